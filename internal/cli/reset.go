package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"face-attendance-go/internal/core/models"

	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all enrolled identities and references",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetYes && !confirm(bufio.NewReader(os.Stdin), "Are you sure you want to delete ALL identities?") {
			fmt.Println("Aborted.")
			return nil
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		removed := a.Store.List()
		if err := a.Store.Reset(cmd.Context()); err != nil {
			return fmt.Errorf("failed to reset identities: %w", err)
		}
		for _, ident := range removed {
			if err := a.RecordIdentityChange(cmd.Context(), models.IdentityActionRemove, ident.ID); err != nil {
				fmt.Fprintf(os.Stderr, "Removal of %s not queued for sync: %v\n", ident.ID, err)
			}
		}
		fmt.Println("Identity database cleared.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
