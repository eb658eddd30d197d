package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"whonext/internal/output"
	"whonext/internal/service"
)

// findMeeting accepts a full id or a unique prefix of one.
func findMeeting(store *service.MeetingStore, ref string) (*service.Meeting, error) {
	if m, err := store.Get(ref); err == nil {
		return m, nil
	}
	var found *service.Meeting
	for _, m := range store.List() {
		if strings.HasPrefix(m.ID, ref) {
			if found != nil {
				return nil, fmt.Errorf("meeting id %q is ambiguous", ref)
			}
			found = m
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", service.ErrMeetingNotFound, ref)
	}
	return found, nil
}

func newMeetingsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "meetings",
		Aliases: []string{"ls"},
		Short:   "List recorded meetings",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.Meetings()
			if err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).MeetingList(store.List())
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <meeting-id>",
		Short: "Show speakers and transcript of a meeting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
			out := output.NewFormatter(os.Stdout)
			out.Header(fmt.Sprintf("%s  %s", m.Title, m.StartTime.Format("2006-01-02 15:04")))
			out.Participants(result)
			fmt.Println()
			fmt.Print(service.FormatTranscript(result))
			if m.Summary != "" {
				fmt.Println()
				fmt.Println(m.Summary)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <meeting-id>",
		Short: "Delete a meeting and its recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.Meetings()
			if err != nil {
				return err
			}
			m, err := findMeeting(store, args[0])
			if err != nil {
				return err
			}
			if err := store.Delete(m.ID); err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).Success("Deleted " + m.ID)
			return nil
		},
	})
	return cmd
}
