package cli

import (
	"fmt"
	"os"

	"face-attendance-go/internal/capture"
	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/enrollment"
	"face-attendance-go/internal/identity"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	enrollID      string
	enrollReplace bool
)

var enrollCmd = &cobra.Command{
	Use:   "enroll NAME PATH...",
	Short: "Enroll reference images for a person",
	Long: `Enroll one or more images as references for NAME. A PATH may be an image
file or a directory of images. Use --replace to discard existing references.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := expandImages(args[1:])
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no images found")
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		bar := progressbar.NewOptions(len(files),
			progressbar.OptionSetDescription("Enrolling "+args[0]),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)

		ref := identity.Ref{ID: enrollID, Name: args[0]}
		action := models.IdentityActionEnroll
		if _, ok := a.Store.FindByName(args[0]); ok || enrollReplace {
			action = models.IdentityActionReEnroll
		} else if _, ok := a.Store.Get(enrollID); ok {
			action = models.IdentityActionReEnroll
		}
		if enrollReplace {
			existing, ok := a.Store.FindByName(args[0])
			if enrollID != "" {
				existing, ok = a.Store.Get(enrollID)
			}
			if !ok {
				return fmt.Errorf("--replace needs an enrolled identity, %q not found", args[0])
			}
			ref = identity.Ref{ID: existing.ID}
		}

		var vecs [][]float32
		accepted, rejected := 0, 0
		for _, path := range files {
			bar.Add(1)
			vec, err := embedFile(cmd, a.Enroller, path)
			if err == nil && !enrollReplace {
				var ident models.Identity
				if ident, err = a.Store.Enroll(ctx, ref, vec); err == nil {
					ref = identity.Ref{ID: ident.ID}
				}
			}
			if err != nil {
				rejected++
				fmt.Fprintf(os.Stderr, "\nSkipping %s: %v\n", path, err)
				continue
			}
			vecs = append(vecs, vec)
			accepted++
		}
		bar.Finish()
		fmt.Fprintln(os.Stderr)

		if enrollReplace && len(vecs) > 0 {
			if _, err := a.Store.ReEnroll(ctx, ref.ID, vecs); err != nil {
				return err
			}
		}
		if accepted == 0 {
			return fmt.Errorf("no usable face in %d images", rejected)
		}

		if err := a.RecordIdentityChange(ctx, action, ref.ID); err != nil {
			fmt.Fprintf(os.Stderr, "Identity update not queued for sync: %v\n", err)
		}
		ident, _ := a.Store.Get(ref.ID)
		fmt.Printf("Enrolled %s (%s): %d accepted, %d rejected, %d references\n",
			ident.Name, ident.ID, accepted, rejected, len(ident.References))
		return nil
	},
}

func init() {
	enrollCmd.Flags().StringVar(&enrollID, "id", "", "explicit identity id (e.g. an employee number)")
	enrollCmd.Flags().BoolVar(&enrollReplace, "replace", false, "replace existing references instead of appending")
	rootCmd.AddCommand(enrollCmd)
}

// expandImages resolves files and directories to image paths.
func expandImages(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		found, err := capture.ListImages(p)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	return files, nil
}

func embedFile(cmd *cobra.Command, enroller *enrollment.Enroller, path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := enrollment.Decode(f)
	if err != nil {
		return nil, err
	}
	vec, _, err := enroller.Embed(cmd.Context(), img)
	return vec, err
}
