package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"face-attendance-go/internal/db"
	syncsvc "face-attendance-go/internal/services/sync"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Inspect and repair the outbound event queue",
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending and failed events",
	RunE: func(cmd *cobra.Command, args []string) error {
		outbox, closeDB, err := openOutbox()
		if err != nil {
			return err
		}
		defer closeDB()

		pending, failed, err := outbox.Counts(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Pending: %d\nFailed:  %d\n", pending, failed)
		if failed == 0 {
			return nil
		}

		rows, err := outbox.Failed(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "\nEVENT\tATTEMPTS\tLAST ERROR")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%d\t%s\n", r.EventID, r.Retries, r.LastError)
		}
		return w.Flush()
	},
}

var syncRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Move failed events back into the delivery queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		outbox, closeDB, err := openOutbox()
		if err != nil {
			return err
		}
		defer closeDB()

		n, err := outbox.RequeueFailed(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d events\n", n)
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncStatusCmd, syncRequeueCmd)
	rootCmd.AddCommand(syncCmd)
}

// openOutbox opens only the local database; no models are loaded.
func openOutbox() (*syncsvc.Outbox, func(), error) {
	gdb, err := db.Open(cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return syncsvc.NewOutbox(gdb, cfg.Sync.MaxRetries), closeDB, nil
}
