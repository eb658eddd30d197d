package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"whonext/audio"
	"whonext/diarization"
	"whonext/internal/output"
	"whonext/internal/service"
)

func newRecordCmd(app *App) *cobra.Command {
	var (
		title     string
		attendees []string
		noSystem  bool
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a meeting in the terminal until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.NewFormatter(os.Stdout)
			if noSystem {
				app.Config.Capture.CaptureSystem = false
			}

			meetings, err := app.Meetings()
			if err != nil {
				return err
			}
			voices, err := app.Voices()
			if err != nil {
				return err
			}
			eng, err := app.Engine()
			if err != nil {
				return err
			}
			capture, err := audio.NewCapture(app.Config.Capture, app.Logger)
			if err != nil {
				return err
			}
			defer capture.Close()

			rec := service.NewRecordingService(app.RecordingConfig(), capture, eng, voices, meetings, app.Logger)
			rec.OnSessionStart = func(sess *diarization.Session) {
				sess.OnUpdate(out.Live)
			}

			m, _, err := rec.Start(cmd.Context(), title, attendees)
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Recording %s, press Ctrl+C to stop", m.ID))
			<-cmd.Context().Done()
			fmt.Println()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			m, result, err := rec.Stop(ctx)
			if result != nil {
				out.Participants(result)
			}
			if err != nil {
				return err
			}
			if n := len(result.Unresolved()); n > 0 {
				out.Info(fmt.Sprintf("%d speakers need a name: whonext review %s", n, m.ID))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "meeting title")
	cmd.Flags().StringSliceVarP(&attendees, "attendee", "a", nil, "expected attendee (repeatable)")
	cmd.Flags().BoolVar(&noSystem, "no-system", false, "capture the microphone only")
	return cmd
}
