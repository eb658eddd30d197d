package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"whonext/diarization"
	"whonext/internal/output"
	"whonext/review"
)

const reviewHelp = `  a            accept the suggestion
  l <id>       link to an existing person
  c <name>     create a new person
  m            this is me
  t [name]     name in the transcript only
  s            skip for now`

func newReviewCmd(app *App) *cobra.Command {
	var (
		attendees []string
		auto      float64
	)
	cmd := &cobra.Command{
		Use:   "review <meeting-id>",
		Short: "Name the speakers of a finished meeting",
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
			voices, err := app.Voices()
			if err != nil {
				return err
			}
			people, err := app.People()
			if err != nil {
				return err
			}
			clips, err := store.Clips(m.ID)
			if err != nil {
				return err
			}

			wf := review.New(result, voices, people, app.Logger, review.WithClips(clips, voices))
			for _, o := range wf.LearnConfirmed(ctx) {
				if o.LearningErr != nil {
					out.Warning(o.LearningErr.Error())
					continue
				}
				out.Success(fmt.Sprintf("%s → %s (voice learned)", o.Speaker, o.Person.Name))
			}
			if len(attendees) == 0 {
				attendees = m.Attendees
			}
			items := wf.Suggest(ctx, attendees)

			if auto > 0 {
				outcomes, err := wf.AutoApply(ctx, auto)
				if err != nil {
					return err
				}
				for _, o := range outcomes {
					out.Success(fmt.Sprintf("%s → %s", o.Speaker, o.Person.Name))
				}
				items = wf.Pending()
			}

			if len(items) > 0 {
				out.Header(fmt.Sprintf("%d speakers to review", len(items)))
				fmt.Println(reviewHelp)
				if err := promptItems(cmd, wf, items, os.Stdin, out); err != nil {
					return err
				}
			}

			if err := store.SaveResult(m.ID, wf.Result()); err != nil {
				return err
			}
			out.Participants(wf.Result())
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&attendees, "attendee", "a", nil, "expected attendee (defaults to the meeting's)")
	cmd.Flags().Float64Var(&auto, "auto", 0, "accept suggestions at or above this confidence first (0 disables)")
	return cmd
}

func promptItems(cmd *cobra.Command, wf *review.Workflow, items []review.Item, in io.Reader, out *output.Formatter) error {
	ctx := cmd.Context()
	scanner := bufio.NewScanner(in)
	for _, it := range items {
		for {
			out.ReviewItem(it)
			fmt.Print("> ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			d, skip, err := parseAnswer(it.Speaker, scanner.Text())
			if err != nil {
				out.Warning(err.Error())
				continue
			}
			if skip {
				break
			}
			o, err := wf.Resolve(ctx, d)
			if err != nil {
				out.Warning(err.Error())
				continue
			}
			if o.LearningErr != nil {
				out.Warning("Voice not learned: " + o.LearningErr.Error())
			}
			name := o.Person.Name
			if name == "" {
				name = d.Name
			}
			out.Success(fmt.Sprintf("%s → %s", o.Speaker, name))
			break
		}
	}
	return nil
}

// parseAnswer turns one prompt line into a decision.
func parseAnswer(speaker diarization.SpeakerID, line string) (review.Decision, bool, error) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	d := review.Decision{Speaker: speaker}
	switch strings.ToLower(cmd) {
	case "a":
		d.Action = review.AcceptSuggestion
	case "l":
		if arg == "" {
			return d, false, fmt.Errorf("link needs a person id")
		}
		d.Action = review.LinkExisting
		d.PersonID = arg
	case "c":
		if arg == "" {
			return d, false, fmt.Errorf("create needs a name")
		}
		d.Action = review.CreatePerson
		d.Name = arg
	case "m":
		d.Action = review.ThisIsMe
	case "t":
		d.Action = review.TranscriptOnly
		d.Name = arg
	case "s", "":
		return d, true, nil
	default:
		return d, false, fmt.Errorf("unknown answer %q", cmd)
	}
	return d, false, nil
}
