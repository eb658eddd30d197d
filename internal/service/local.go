package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// LocalProvider answers without any model, from transcript statistics.
// It is the last link of the chain so summaries never fail outright.
type LocalProvider struct{}

var lineRe = regexp.MustCompile(`^\[(\d+):(\d{2})\]\s*([^:]+):\s*(.*)$`)

type transcriptLine struct {
	seconds int
	speaker string
	text    string
}

func parseTranscript(transcript string) []transcriptLine {
	var out []transcriptLine
	for _, raw := range strings.Split(transcript, "\n") {
		m := lineRe.FindStringSubmatch(strings.TrimSpace(raw))
		if m == nil {
			continue
		}
		var mm, ss int
		fmt.Sscanf(m[1], "%d", &mm)
		fmt.Sscanf(m[2], "%d", &ss)
		out = append(out, transcriptLine{
			seconds: mm*60 + ss,
			speaker: strings.TrimSpace(m[3]),
			text:    strings.TrimSpace(m[4]),
		})
	}
	return out
}

func (LocalProvider) Name() string {
	return "local"
}

type speakerStat struct {
	name  string
	lines int
	words int
}

func (LocalProvider) Summarize(_ context.Context, transcript string) (string, error) {
	lines := parseTranscript(transcript)
	if len(lines) == 0 {
		return "", errors.New("empty transcript")
	}

	byName := make(map[string]*speakerStat)
	var order []*speakerStat
	totalWords := 0
	for _, l := range lines {
		st := byName[l.speaker]
		if st == nil {
			st = &speakerStat{name: l.speaker}
			byName[l.speaker] = st
			order = append(order, st)
		}
		st.lines++
		n := len(strings.Fields(l.text))
		st.words += n
		totalWords += n
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].lines > order[j].lines })

	last := lines[len(lines)-1].seconds
	var sb strings.Builder
	sb.WriteString("## Meeting statistics\n\n")
	fmt.Fprintf(&sb, "- Speakers: %d\n", len(order))
	fmt.Fprintf(&sb, "- Turns: %d\n", len(lines))
	fmt.Fprintf(&sb, "- Words: %d\n", totalWords)
	fmt.Fprintf(&sb, "- Last turn at: %02d:%02d\n\n", last/60, last%60)
	sb.WriteString("## Speakers\n\n")
	for _, st := range order {
		fmt.Fprintf(&sb, "- %s: %d turns, %d words\n", st.name, st.lines, st.words)
	}
	sb.WriteString("\nConfigure an AI provider for a full summary.\n")
	return sb.String(), nil
}

func (LocalProvider) Chat(_ context.Context, transcript string, _ []Message, question string) (string, error) {
	terms := strings.Fields(strings.ToLower(question))
	var hits []string
	for _, raw := range strings.Split(transcript, "\n") {
		lower := strings.ToLower(raw)
		for _, t := range terms {
			if len(t) > 3 && strings.Contains(lower, t) {
				hits = append(hits, strings.TrimSpace(raw))
				break
			}
		}
	}
	if len(hits) == 0 {
		return "Nothing in the transcript matches the question.", nil
	}
	if len(hits) > 10 {
		hits = hits[:10]
	}
	return "Matching transcript lines:\n" + strings.Join(hits, "\n"), nil
}

// ExtractParticipants returns the named speakers of the transcript, skipping
// provisional "Speaker N" labels.
func (LocalProvider) ExtractParticipants(_ context.Context, transcript string) ([]string, error) {
	var names []string
	for _, l := range parseTranscript(transcript) {
		if strings.HasPrefix(l.speaker, "Speaker ") {
			continue
		}
		names = append(names, l.speaker)
	}
	return uniqueNames(names), nil
}
