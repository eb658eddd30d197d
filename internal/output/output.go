// Package output renders CLI text.
package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"whonext/diarization"
	"whonext/internal/service"
	"whonext/models"
	"whonext/review"
	"whonext/voiceprint"
)

var (
	colorAccent  = lipgloss.Color("#8B5CF6")
	colorSuccess = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")

	headerStyle  = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	activeStyle  = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
)

type Formatter struct {
	w io.Writer
}

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

func (f *Formatter) Header(title string) {
	fmt.Fprintln(f.w, headerStyle.Render(title))
}

func (f *Formatter) Info(msg string) {
	fmt.Fprintln(f.w, msg)
}

func (f *Formatter) Success(msg string) {
	fmt.Fprintln(f.w, successStyle.Render("✓ "+msg))
}

func (f *Formatter) Warning(msg string) {
	fmt.Fprintln(f.w, warningStyle.Render("! "+msg))
}

func (f *Formatter) Error(msg string) {
	fmt.Fprintln(f.w, errorStyle.Render("✗ "+msg))
}

func (f *Formatter) Muted(msg string) {
	fmt.Fprintln(f.w, mutedStyle.Render(msg))
}

// Clock formats seconds from the recording start as mm:ss.
func Clock(seconds float64) string {
	s := int(seconds)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}

func (f *Formatter) MeetingList(meetings []*service.Meeting) {
	if len(meetings) == 0 {
		f.Info("No meetings found")
		return
	}
	f.Header("Meetings")
	for _, m := range meetings {
		title := m.Title
		if title == "" {
			title = mutedStyle.Render("(untitled)")
		}
		dur := time.Duration(m.DurationMs) * time.Millisecond
		fmt.Fprintf(f.w, "  %s  %-28s %-10s %8s  %d speakers  %s\n",
			mutedStyle.Render(m.ID[:min(8, len(m.ID))]), title, m.Status,
			dur.Round(time.Second), m.SpeakerCount,
			mutedStyle.Render(humanize.Time(m.StartTime)))
	}
}

// Participants prints one line per speaker slot.
func (f *Formatter) Participants(r *diarization.Result) {
	f.Header(fmt.Sprintf("Speakers (%d)", len(r.Participants)))
	for _, p := range r.Participants {
		state := p.State.String()
		if p.State == diarization.StateAutoMatched {
			state = fmt.Sprintf("%s %.0f%%", state, p.Confidence*100)
		}
		fmt.Fprintf(f.w, "  %-12s %-24s %-20s %6.1fs  %3d segments  %d overlapped\n",
			p.Speaker.Key(), p.DisplayName(), mutedStyle.Render(state),
			p.TotalSpeakingTime, p.SegmentCount, p.OverlappedSegments)
	}
	if r.Overlap.TotalFrames > 0 {
		f.Muted(fmt.Sprintf("  overlap %.1f%% of frames, %d events", r.Overlap.Ratio()*100, r.Overlap.OverlapEvents))
	}
	if r.LearnedSamples > 0 || r.DiscardedSamples > 0 {
		f.Muted(fmt.Sprintf("  voice samples learned %d, discarded %d", r.LearnedSamples, r.DiscardedSamples))
	}
}

// Live redraws the current speaker line of a running session.
func (f *Formatter) Live(snap diarization.Snapshot) {
	var parts []string
	for _, st := range snap.Speakers {
		label := st.DisplayName
		if st.State == diarization.StateAutoMatched {
			label += "?"
		}
		if st.Active {
			label = activeStyle.Render(label)
		}
		parts = append(parts, label)
	}
	fmt.Fprintf(f.w, "\r\033[K%s  %s", mutedStyle.Render(Clock(snap.Position)), strings.Join(parts, "  "))
}

func (f *Formatter) ReviewItem(it review.Item) {
	fmt.Fprintf(f.w, "\n%s  %.1fs in %d segments\n", headerStyle.Render(it.DisplayName), it.SpeakingTime, it.SegmentCount)
	if it.Suggestion != nil {
		fmt.Fprintf(f.w, "  suggested: %s (%.0f%%)\n", it.Suggestion.Name, it.Suggestion.Confidence*100)
	}
	if !it.HasEmbedding {
		f.Muted("  no voice data, the voice will not be learned")
	}
}

func (f *Formatter) VoicePrints(list []voiceprint.VoicePrint) {
	if len(list) == 0 {
		f.Info("No voice prints stored")
		return
	}
	f.Header("Voice prints")
	for _, vp := range list {
		fmt.Fprintf(f.w, "  %-24s %3d samples  confidence %.2f  %s\n",
			vp.Name, vp.SampleCount, vp.Confidence, mutedStyle.Render("seen "+humanize.Time(vp.LastSeenAt)))
		fmt.Fprintf(f.w, "    %s\n", mutedStyle.Render(vp.ID))
		if vp.Notes != "" {
			fmt.Fprintf(f.w, "    %s\n", vp.Notes)
		}
	}
}

func (f *Formatter) Models(states []models.ModelState) {
	f.Header("Models")
	for _, s := range states {
		mark := " "
		if s.Recommended {
			mark = "*"
		}
		status := string(s.Status)
		if s.Status == models.ModelStatusDownloaded {
			status = successStyle.Render(status)
		}
		fmt.Fprintf(f.w, " %s %-32s %-13s %8s  %s\n",
			mark, s.ID, s.Kind, humanize.Bytes(uint64(s.SizeBytes)), status)
	}
}

// Progress prints a single updating progress line.
func (f *Formatter) Progress(label string, percent float64) {
	fmt.Fprintf(f.w, "\r\033[K%s %5.1f%%", label, percent)
}
