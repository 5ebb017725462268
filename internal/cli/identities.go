package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"face-attendance-go/internal/core/models"

	"github.com/spf13/cobra"
)

var identitiesCmd = &cobra.Command{
	Use:     "identities",
	Aliases: []string{"ids"},
	Short:   "Manage enrolled identities",
}

var identitiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		identities := a.Store.List()
		if len(identities) == 0 {
			fmt.Println("No identities enrolled.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tREFERENCES\tENROLLED")
		fmt.Fprintln(w, "--\t----\t----------\t--------")
		for _, ident := range identities {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", ident.ID, ident.Name, len(ident.References), ident.EnrolledAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var identitiesRenameCmd = &cobra.Command{
	Use:   "rename ID NAME",
	Short: "Change the display name of an identity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ident, err := a.Store.Rename(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if err := a.RecordIdentityChange(cmd.Context(), models.IdentityActionReEnroll, ident.ID); err != nil {
			fmt.Fprintf(os.Stderr, "Identity update not queued for sync: %v\n", err)
		}
		fmt.Printf("Renamed %s to %q\n", ident.ID, ident.Name)
		return nil
	},
}

var identitiesRemoveCmd = &cobra.Command{
	Use:     "remove ID",
	Aliases: []string{"rm"},
	Short:   "Remove an identity and its references",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Store.Remove(cmd.Context(), args[0]); err != nil {
			return err
		}
		if err := a.RecordIdentityChange(cmd.Context(), models.IdentityActionRemove, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Identity update not queued for sync: %v\n", err)
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

func init() {
	identitiesCmd.AddCommand(identitiesListCmd, identitiesRenameCmd, identitiesRemoveCmd)
	rootCmd.AddCommand(identitiesCmd)
}
