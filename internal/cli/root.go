// Package cli implements the attendanced command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"face-attendance-go/config"
	"face-attendance-go/internal/app"
	"face-attendance-go/internal/logger"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "/config/config.yaml"

var (
	configPath string
	// cfg is loaded before every command runs
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "attendanced",
	Short:         "Face recognition attendance terminal",
	Version:       app.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := logger.Init(cfg.Log); err != nil {
			fmt.Fprintf(os.Stderr, "logger setup incomplete: %v\n", err)
		}
		return nil
	},
}

// Execute runs the root command with a context cancelled by SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")
}

// openApp builds the recognition stack for commands that need it.
func openApp(cmd *cobra.Command) (*app.App, error) {
	return app.Open(cmd.Context(), cfg)
}
