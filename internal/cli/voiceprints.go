package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"whonext/diarization"
	"whonext/internal/output"
)

func newVoicePrintsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "voiceprints",
		Aliases: []string{"voices"},
		Short:   "List known voices",
		RunE: func(cmd *cobra.Command, args []string) error {
			voices, err := app.Voices()
			if err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).VoicePrints(voices.List())
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a voice print",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			voices, err := app.Voices()
			if err != nil {
				return err
			}
			name := strings.Join(args[1:], " ")
			if err := voices.Rename(args[0], name); err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).Success("Renamed to " + name)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "note <id> <text>",
		Short: "Attach a note to a voice print",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			voices, err := app.Voices()
			if err != nil {
				return err
			}
			return voices.SetNotes(args[0], strings.Join(args[1:], " "))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "identify <meeting-id> <speaker>",
		Short: "Look up who a meeting speaker sounds like",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.NewFormatter(os.Stdout)
			store, err := app.Meetings()
			if err != nil {
				return err
			}
			m, err := findMeeting(store, args[0])
			if err != nil {
				return err
			}
			result, err := store.LoadResult(m.ID)
			if err != nil {
				return err
			}
			id, err := diarization.ParseSpeakerID(args[1])
			if err != nil {
				return err
			}
			p := result.Participant(id)
			if p == nil {
				return fmt.Errorf("%w: %s", diarization.ErrUnknownSpeaker, id)
			}
			if !p.HasEmbedding() {
				out.Warning(id.String() + " has no voice data")
				return nil
			}

			voices, err := app.Voices()
			if err != nil {
				return err
			}
			match, ok := voices.FindMatchingPerson(cmd.Context(), p.AverageEmbedding)
			if !ok {
				out.Info("No known voice matches " + id.String())
				return nil
			}
			out.Success(fmt.Sprintf("%s sounds like %s (%.0f%%, %s)", id, match.Person().Name, match.Similarity*100, match.Confidence))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Forget a voice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			voices, err := app.Voices()
			if err != nil {
				return err
			}
			if err := voices.Delete(args[0]); err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).Success("Deleted " + args[0])
			return nil
		},
	})
	return cmd
}
