package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"whonext/diarization"
	"whonext/internal/output"
	"whonext/internal/service"
	"whonext/voiceprint"
)

func newReplayCmd(app *App) *cobra.Command {
	var (
		fromAudio bool
		learn     bool
		save      bool
	)
	cmd := &cobra.Command{
		Use:   "replay <meeting-id>",
		Short: "Run a stored meeting through a fresh speaker session",
		Long: "Replays the stored engine segments of a meeting (or, with --audio, its recording through the diarization engine) " +
			"to try other thresholds. Voice prints are only matched, not learned, unless --learn is given.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.Meetings()
			if err != nil {
				return err
			}
			m, err := findMeeting(store, args[0])
			if err != nil {
				return err
			}

			var voices service.VoiceStore
			vs, err := app.Voices()
			if err != nil {
				return err
			}
			voices = vs
			if !learn {
				voices = matchOnly{vs}
			}

			var (
				result   *diarization.Result
				replayer *service.Replayer
			)
			if fromAudio {
				eng, err := app.Engine()
				if err != nil {
					return err
				}
				path, err := store.AudioPath(m.ID)
				if err != nil {
					return err
				}
				samples, rate, err := voiceprint.ReadMP3(path)
				if err != nil {
					return err
				}
				replayer = service.NewReplayer(app.RecordingConfig(), eng, voices, app.Logger)
				result, err = replayer.ReplayAudio(cmd.Context(), m.ID, samples, rate)
				if err != nil {
					return err
				}
			} else {
				stored, err := store.LoadResult(m.ID)
				if err != nil {
					return err
				}
				replayer = service.NewReplayer(app.RecordingConfig(), nil, voices, app.Logger)
				result, err = replayer.ReplaySegments(cmd.Context(), m.ID, stored.Segments())
				if err != nil {
					return err
				}
			}

			out := output.NewFormatter(os.Stdout)
			out.Participants(result)
			if save {
				if err := store.SaveResult(m.ID, result); err != nil {
					return err
				}
				out.Success(fmt.Sprintf("Saved replayed result to %s", m.ID))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromAudio, "audio", false, "re-run the diarization engine on the recording")
	cmd.Flags().BoolVar(&learn, "learn", false, "let the replay update voice prints")
	cmd.Flags().BoolVar(&save, "save", false, "replace the meeting's stored result")
	return cmd
}

// matchOnly lets a replay recognize voices without teaching the store.
type matchOnly struct {
	*voiceprint.Store
}

func (matchOnly) SaveEmbeddingWithFeedback(ctx context.Context, _ []float32, _ voiceprint.Person, _ bool) error {
	return ctx.Err()
}

func (matchOnly) AddEmbeddings(ctx context.Context, _ [][]float32, _ voiceprint.Person) (*voiceprint.VoicePrint, error) {
	return nil, ctx.Err()
}
