package cli

import (
	"fmt"
	"os"

	"face-attendance-go/internal/enrollment"

	"github.com/spf13/cobra"
)

var identifyCmd = &cobra.Command{
	Use:   "identify IMAGE",
	Short: "Match the largest face in an image against enrolled identities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		img, err := enrollment.Decode(f)
		if err != nil {
			return err
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Identify(cmd.Context(), img)
		if err != nil {
			return err
		}
		if !res.Match.Known() {
			fmt.Printf("Unknown face at %v\n", res.Region)
			return nil
		}
		fmt.Printf("%s (%s) at %v, distance %.4f\n", res.Match.Name, res.Match.IdentityID, res.Region, res.Match.Distance)
		if res.Database != "" && res.Database != res.Match.IdentityID {
			fmt.Printf("Database nearest neighbour differs: %s\n", res.Database)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(identifyCmd)
}
