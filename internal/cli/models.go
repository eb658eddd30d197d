package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"whonext/internal/output"
	"whonext/models"
)

func newModelsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the speaker models",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := app.Models()
			if err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).Models(mgr.States())
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "download [model-id...]",
		Short: "Download models (the recommended ones by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := app.Models()
			if err != nil {
				return err
			}
			out := output.NewFormatter(os.Stdout)

			ids := args
			if len(ids) == 0 {
				for _, kind := range []models.Kind{models.KindSegmentation, models.KindEmbedding} {
					if info := models.Recommended(kind); info != nil && !mgr.IsDownloaded(info.ID) {
						ids = append(ids, info.ID)
					}
				}
				if len(ids) == 0 {
					out.Success("Recommended models are already downloaded")
					return nil
				}
			}

			mgr.SetProgressCallback(func(id string, progress float64, status models.ModelStatus, err error) {
				if status == models.ModelStatusDownloading {
					out.Progress(id, progress)
				}
			})
			for _, id := range ids {
				if err := mgr.Download(cmd.Context(), id); err != nil {
					fmt.Println()
					return fmt.Errorf("download %s: %w", id, err)
				}
				fmt.Println()
				out.Success("Downloaded " + id)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <model-id>",
		Short: "Delete a downloaded model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := app.Models()
			if err != nil {
				return err
			}
			if err := mgr.Delete(args[0]); err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).Success("Deleted " + args[0])
			return nil
		},
	})
	return cmd
}
