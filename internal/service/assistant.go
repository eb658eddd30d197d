package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"whonext/diarization"
	"whonext/internal/config"
)

// ErrNoProvider is returned when every configured provider failed.
var ErrNoProvider = errors.New("no assistant provider available")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// Provider is one AI backend for meeting text.
type Provider interface {
	Name() string
	Summarize(ctx context.Context, transcript string) (string, error)
	Chat(ctx context.Context, transcript string, history []Message, question string) (string, error)
	// ExtractParticipants lists the people a transcript mentions as
	// present; it seeds attendee matching when no calendar data exist.
	ExtractParticipants(ctx context.Context, transcript string) ([]string, error)
}

const (
	summaryPrompt = `You summarize business meetings.
Answer in Markdown with these sections:
## Topic
## Key points
## Decisions
## Next steps
Be concise and use the transcript language.`

	chatPrompt = `You answer questions about a meeting using only the transcript below.
If the transcript does not contain the answer, say so.

Transcript:
%s`

	participantsPrompt = `List the names of the people who take part in this meeting.
Reply with a JSON array of strings and nothing else. Use [] when no names are known.`
)

// completer is a raw text completion backend.
type completer interface {
	complete(ctx context.Context, system string, messages []Message) (string, error)
}

// llmProvider builds the assistant operations on top of a completer.
type llmProvider struct {
	name     string
	c        completer
	maxChars int
}

func (p *llmProvider) Name() string {
	return p.name
}

func (p *llmProvider) trim(transcript string) string {
	if p.maxChars > 0 && len(transcript) > p.maxChars {
		return transcript[:p.maxChars] + "\n...[trimmed]..."
	}
	return transcript
}

func (p *llmProvider) Summarize(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", errors.New("empty transcript")
	}
	return p.c.complete(ctx, summaryPrompt, []Message{{Role: "user", Content: p.trim(transcript)}})
}

func (p *llmProvider) Chat(ctx context.Context, transcript string, history []Message, question string) (string, error) {
	msgs := append(append([]Message(nil), history...), Message{Role: "user", Content: question})
	return p.c.complete(ctx, fmt.Sprintf(chatPrompt, p.trim(transcript)), msgs)
}

func (p *llmProvider) ExtractParticipants(ctx context.Context, transcript string) ([]string, error) {
	out, err := p.c.complete(ctx, participantsPrompt, []Message{{Role: "user", Content: p.trim(transcript)}})
	if err != nil {
		return nil, err
	}
	return parseNameList(out)
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// parseNameList accepts a JSON array, optionally inside a code fence.
func parseNameList(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	if i, j := strings.Index(s, "["), strings.LastIndex(s, "]"); i >= 0 && j > i {
		s = s[i : j+1]
	}
	var names []string
	if err := json.Unmarshal([]byte(s), &names); err != nil {
		return nil, fmt.Errorf("participants reply is not a name list: %w", err)
	}
	return uniqueNames(names), nil
}

func uniqueNames(names []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		key := strings.ToLower(n)
		if n == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, n)
	}
	return out
}

// Assistant tries its providers in order until one succeeds.
type Assistant struct {
	providers []Provider
	log       *logrus.Entry
}

// NewAssistant creates a chain over providers.
func NewAssistant(logger *logrus.Logger, providers ...Provider) *Assistant {
	return &Assistant{
		providers: providers,
		log:       logger.WithField("component", "assistant"),
	}
}

// NewAssistantFromConfig builds the configured chain. Providers that cannot
// be created (missing key) are skipped with a warning.
func NewAssistantFromConfig(ctx context.Context, cfg config.AssistantConfig, logger *logrus.Logger) *Assistant {
	a := NewAssistant(logger)
	for _, name := range cfg.Providers {
		var (
			p   Provider
			err error
		)
		switch name {
		case "openai":
			key := cfg.OpenAI.APIKey
			if key == "" {
				key = os.Getenv("OPENAI_API_KEY")
			}
			if key == "" {
				err = errors.New("no api key")
			} else {
				p = NewOpenAIProvider(key, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.MaxChars)
			}
		case "gemini":
			key := cfg.Gemini.APIKey
			if key == "" {
				key = os.Getenv("GEMINI_API_KEY")
			}
			if key == "" {
				err = errors.New("no api key")
			} else {
				p, err = NewGeminiProvider(ctx, key, cfg.Gemini.Model, cfg.MaxChars)
			}
		case "ollama":
			p = NewOllamaProvider(cfg.Ollama.URL, cfg.Ollama.Model, cfg.MaxChars)
		case "local":
			p = LocalProvider{}
		default:
			err = fmt.Errorf("unknown provider %q", name)
		}
		if err != nil {
			a.log.WithError(err).WithField("provider", name).Warn("Provider skipped")
			continue
		}
		a.providers = append(a.providers, p)
	}
	return a
}

// Providers returns the provider names in order.
func (a *Assistant) Providers() []string {
	names := make([]string, len(a.providers))
	for i, p := range a.providers {
		names[i] = p.Name()
	}
	return names
}

func (a *Assistant) try(op string, fn func(Provider) error) error {
	var errs []error
	for _, p := range a.providers {
		start := time.Now()
		err := fn(p)
		if err == nil {
			a.log.WithFields(logrus.Fields{"provider": p.Name(), "op": op, "took": time.Since(start)}).Debug("Assistant answered")
			return nil
		}
		a.log.WithError(err).WithFields(logrus.Fields{"provider": p.Name(), "op": op}).Warn("Provider failed, trying next")
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return fmt.Errorf("%w: %w", ErrNoProvider, errors.Join(errs...))
}

// Summarize returns the first successful summary.
func (a *Assistant) Summarize(ctx context.Context, transcript string) (string, error) {
	var out string
	err := a.try("summarize", func(p Provider) (err error) {
		out, err = p.Summarize(ctx, transcript)
		return err
	})
	return out, err
}

// Chat answers a question about the transcript.
func (a *Assistant) Chat(ctx context.Context, transcript string, history []Message, question string) (string, error) {
	var out string
	err := a.try("chat", func(p Provider) (err error) {
		out, err = p.Chat(ctx, transcript, history, question)
		return err
	})
	return out, err
}

// ExtractParticipants returns attendee names found in the transcript.
func (a *Assistant) ExtractParticipants(ctx context.Context, transcript string) ([]string, error) {
	var out []string
	err := a.try("participants", func(p Provider) (err error) {
		out, err = p.ExtractParticipants(ctx, transcript)
		return err
	})
	return out, err
}

// FormatTranscript renders a result as "[mm:ss] Name: text" lines, one per
// segment, in time order. Undiarized gaps get a line of their own.
func FormatTranscript(r *diarization.Result) string {
	names := make(map[diarization.SpeakerID]string, len(r.Participants))
	for _, p := range r.Participants {
		names[p.Speaker] = p.DisplayName()
	}

	segs := r.Segments()
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })

	var sb strings.Builder
	gaps := r.Gaps
	for _, s := range segs {
		for len(gaps) > 0 && gaps[0].Start <= s.Start {
			writeGap(&sb, gaps[0])
			gaps = gaps[1:]
		}
		name := s.Name
		if name == "" {
			name = names[s.Speaker]
		}
		if name == "" {
			name = s.Speaker.String()
		}
		text := s.Text
		if text == "" {
			text = fmt.Sprintf("(%.0fs)", s.Duration())
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", clock(s.Start), name, text)
	}
	for _, g := range gaps {
		writeGap(&sb, g)
	}
	return sb.String()
}

func writeGap(sb *strings.Builder, g diarization.Gap) {
	fmt.Fprintf(sb, "[%s] (not diarized until %s)\n", clock(g.Start), clock(g.End))
}

func clock(sec float64) string {
	ts := int(sec)
	return fmt.Sprintf("%02d:%02d", ts/60, ts%60)
}
