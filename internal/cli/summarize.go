package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"whonext/internal/output"
	"whonext/internal/service"
)

func newSummarizeCmd(app *App) *cobra.Command {
	var (
		question     string
		participants bool
		noSave       bool
	)
	cmd := &cobra.Command{
		Use:   "summarize <meeting-id>",
		Short: "Summarize a meeting, or ask a question about it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
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
			transcript := service.FormatTranscript(result)
			assistant := app.Assistant(ctx)
			out.Muted("Providers: " + strings.Join(assistant.Providers(), ", "))

			switch {
			case participants:
				names, err := assistant.ExtractParticipants(ctx, transcript)
				if err != nil {
					return err
				}
				if len(names) == 0 {
					out.Info("No names mentioned")
					return nil
				}
				for _, n := range names {
					fmt.Println("  " + n)
				}
			case question != "":
				answer, err := assistant.Chat(ctx, transcript, nil, question)
				if err != nil {
					return err
				}
				fmt.Println(answer)
			default:
				summary, err := assistant.Summarize(ctx, transcript)
				if err != nil {
					return err
				}
				fmt.Println(summary)
				if !noSave {
					if err := store.SetSummary(m.ID, summary); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&question, "question", "q", "", "ask a question instead of summarizing")
	cmd.Flags().BoolVar(&participants, "participants", false, "list the people mentioned by name")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not store the summary with the meeting")
	return cmd
}
