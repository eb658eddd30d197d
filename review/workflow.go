// Package review turns a finished session's speaker guesses into durable
// identities: the user confirms or corrects each slot and the answers are
// fed back into the voice print store.
package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"whonext/contacts"
	"whonext/diarization"
	"whonext/voiceprint"
)

// Action is the user's answer for one speaker slot.
type Action int

const (
	// AcceptSuggestion confirms the slot's auto-matched person.
	AcceptSuggestion Action = iota
	// LinkExisting links the slot to a person picked from the directory.
	LinkExisting
	// CreatePerson adds a new person and links the slot to them.
	CreatePerson
	// ThisIsMe links the slot to the local user's own profile.
	ThisIsMe
	// TranscriptOnly names the slot in the transcript without a person.
	TranscriptOnly
)

var actionNames = [...]string{"accept", "link", "create", "me", "transcriptOnly"}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAction accepts the names String returns.
func ParseAction(s string) (Action, error) {
	for i, n := range actionNames {
		if n == s {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("unknown review action %q", s)
}

// Decision is one resolution request. PersonID is required for
// LinkExisting, Name for CreatePerson; TranscriptOnly uses Name when set.
type Decision struct {
	Speaker  diarization.SpeakerID `json:"speaker"`
	Action   Action                `json:"action"`
	PersonID string                `json:"personId,omitempty"`
	Name     string                `json:"name,omitempty"`
	Email    string                `json:"email,omitempty"`
}

// Outcome reports what Resolve did. LearningErr carries a voice learning
// failure; the slot is resolved regardless.
type Outcome struct {
	Speaker     diarization.SpeakerID `json:"speaker"`
	Action      Action                `json:"action"`
	Person      contacts.Person       `json:"person"`
	Learned     bool                  `json:"learned"`
	SamplePath  string                `json:"samplePath,omitempty"`
	LearningErr error                 `json:"-"`
}

// Suggestion is the best evidence shown for an unresolved slot.
type Suggestion struct {
	PersonID   string  `json:"personId"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Item is one unresolved slot.
type Item struct {
	Speaker      diarization.SpeakerID `json:"speaker"`
	DisplayName  string                `json:"displayName"`
	Suggestion   *Suggestion           `json:"suggestion,omitempty"`
	HasEmbedding bool                  `json:"hasEmbedding"`
	SpeakingTime float64               `json:"speakingTime"`
	SegmentCount int                   `json:"segmentCount"`
}

// VoiceStore is the part of the voice print store the workflow writes to.
type VoiceStore interface {
	SaveEmbeddingWithFeedback(ctx context.Context, embedding []float32, person voiceprint.Person, wasConfirmed bool) error
	AddEmbeddings(ctx context.Context, embeddings [][]float32, person voiceprint.Person) (*voiceprint.VoicePrint, error)
	MatchToAttendees(ctx context.Context, embeddings map[int][]float32, attendees []string) map[int]voiceprint.MatchResult
}

// SampleStore keeps voice clips; optional.
type SampleStore interface {
	GetByPerson(personID string) (*voiceprint.VoicePrint, error)
	SaveSample(id string, samples []float32, sampleRate int) (string, error)
}

// ClipSource cuts a segment's audio out of the meeting recording; optional.
type ClipSource interface {
	Clip(ctx context.Context, seg diarization.Segment) ([]float32, int, error)
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithClips saves the longest clean segment of each linked slot as the
// person's voice sample.
func WithClips(src ClipSource, samples SampleStore) Option {
	return func(w *Workflow) {
		w.clips = src
		w.samples = samples
	}
}

// Workflow resolves the slots of one finished meeting. It is not safe for
// concurrent use; the UI drives it one decision at a time.
type Workflow struct {
	result  *diarization.Result
	voices  VoiceStore
	people  contacts.Directory
	clips   ClipSource
	samples SampleStore
	log     *logrus.Entry
}

// New creates a workflow over result. voices may be nil, in which case
// slots are named without any voice learning.
func New(result *diarization.Result, voices VoiceStore, people contacts.Directory, logger *logrus.Logger, opts ...Option) *Workflow {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	w := &Workflow{
		result: result,
		voices: voices,
		people: people,
		log:    logger.WithFields(logrus.Fields{"component": "review", "session": result.SessionID}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Result returns the reviewed result.
func (w *Workflow) Result() *diarization.Result {
	return w.result
}

// Suggest proposes people for unnamed slots that have voice data by
// matching all of them at once against the store. Attendee names act as a
// prior, not a filter. Slots that already carry a suggestion keep it.
func (w *Workflow) Suggest(ctx context.Context, attendees []string) []Item {
	if w.voices == nil {
		return w.Pending()
	}

	embeddings := make(map[int][]float32)
	for _, p := range w.result.Participants {
		if p.State == diarization.StateUnnamed && p.HasEmbedding() {
			embeddings[int(p.Speaker)] = p.AverageEmbedding
		}
	}
	if len(embeddings) == 0 {
		return w.Pending()
	}

	for speaker, m := range w.voices.MatchToAttendees(ctx, embeddings, attendees) {
		person := m.Person()
		id := diarization.SpeakerID(speaker)
		if err := w.result.Suggest(id, person.ID, person.Name, float64(m.Similarity)); err != nil {
			w.log.WithError(err).WithField("speaker", id).Debug("Suggestion skipped")
			continue
		}
		w.log.WithFields(logrus.Fields{
			"speaker":    id,
			"name":       person.Name,
			"similarity": fmt.Sprintf("%.2f", m.Similarity),
		}).Info("Suggested")
	}
	return w.Pending()
}

// Pending lists the slots that still need an answer, in slot order.
func (w *Workflow) Pending() []Item {
	var items []Item
	for _, p := range w.result.Unresolved() {
		it := Item{
			Speaker:      p.Speaker,
			DisplayName:  p.DisplayName(),
			HasEmbedding: p.HasEmbedding(),
			SpeakingTime: p.TotalSpeakingTime,
			SegmentCount: p.SegmentCount,
		}
		if p.State == diarization.StateAutoMatched {
			it.Suggestion = &Suggestion{PersonID: p.PersonID, Name: p.Name, Confidence: p.Confidence}
		}
		items = append(items, it)
	}
	return items
}

// Resolve applies one decision. The returned error covers the naming
// itself; voice learning problems are reported in Outcome.LearningErr and
// never undo the naming.
func (w *Workflow) Resolve(ctx context.Context, d Decision) (Outcome, error) {
	out := Outcome{Speaker: d.Speaker, Action: d.Action}

	p := w.result.Participant(d.Speaker)
	if p == nil {
		return out, fmt.Errorf("%w: %s", diarization.ErrUnknownSpeaker, d.Speaker)
	}
	if p.Terminal() {
		return out, fmt.Errorf("%s: %w", d.Speaker, diarization.ErrTerminalState)
	}

	if d.Action == TranscriptOnly {
		name := d.Name
		if name == "" {
			name = p.DisplayName()
		}
		if err := w.result.MarkTranscriptOnly(d.Speaker, name); err != nil {
			return out, err
		}
		out.Person = contacts.Person{Name: name}
		w.log.WithFields(logrus.Fields{"speaker": d.Speaker, "name": name}).Info("Marked transcript-only")
		return out, nil
	}

	person, err := w.person(ctx, p, d)
	if err != nil {
		return out, err
	}

	// Linking a slot to somebody other than its suggestion is a rejection
	// of that suggestion.
	if p.State == diarization.StateAutoMatched && p.PersonID != person.ID {
		if err := w.result.Reject(d.Speaker); err != nil {
			return out, err
		}
	}
	if err := w.result.Confirm(d.Speaker, person.ID, person.Name, person.IsMe); err != nil {
		return out, err
	}
	out.Person = person
	w.log.WithFields(logrus.Fields{"speaker": d.Speaker, "name": person.Name, "action": d.Action}).Info("Speaker resolved")

	w.learn(ctx, p, person, &out)
	return out, nil
}

func (w *Workflow) person(ctx context.Context, p *diarization.Participant, d Decision) (contacts.Person, error) {
	switch d.Action {
	case AcceptSuggestion:
		if p.State != diarization.StateAutoMatched {
			return contacts.Person{}, fmt.Errorf("%w: %s has no suggestion", diarization.ErrInvalidTransition, d.Speaker)
		}
		person, err := w.people.Get(ctx, p.PersonID)
		if errors.Is(err, contacts.ErrNotFound) {
			// The print outlived its directory entry; keep the print's name.
			return contacts.Person{ID: p.PersonID, Name: p.Name}, nil
		}
		return person, err
	case LinkExisting:
		if d.PersonID == "" {
			return contacts.Person{}, fmt.Errorf("%w: no person given", contacts.ErrNotFound)
		}
		return w.people.Get(ctx, d.PersonID)
	case CreatePerson:
		return w.people.Create(ctx, d.Name, d.Email)
	case ThisIsMe:
		return w.people.Me(ctx)
	default:
		return contacts.Person{}, fmt.Errorf("unknown review action %d", int(d.Action))
	}
}

// maxConfirmedSamples bounds the clean segment embeddings one slot adds to
// a print; the longest segments go first.
const maxConfirmedSamples = 5

// LearnConfirmed writes slots that were confirmed outside the workflow,
// during the live session, to the voice print store. Slots already learned
// are skipped, so it can run on every load of a result.
func (w *Workflow) LearnConfirmed(ctx context.Context) []Outcome {
	var outcomes []Outcome
	for _, p := range w.result.Participants {
		if p.State != diarization.StateConfirmed || p.Learned || p.PersonID == "" {
			continue
		}
		out := Outcome{
			Speaker: p.Speaker,
			Action:  LinkExisting,
			Person:  contacts.Person{ID: p.PersonID, Name: p.Name, IsMe: p.IsMe},
		}
		if p.IsMe {
			out.Action = ThisIsMe
		}
		w.learn(ctx, p, out.Person, &out)
		if out.Learned || out.LearningErr != nil {
			outcomes = append(outcomes, out)
		}
	}
	if len(outcomes) > 0 {
		w.log.WithField("speakers", len(outcomes)).Info("Live confirmations learned")
	}
	return outcomes
}

// learn writes the slot's clean voice back to the person's print. Every
// linking action is explicit user evidence, so samples are saved as
// confirmed.
func (w *Workflow) learn(ctx context.Context, p *diarization.Participant, person contacts.Person, out *Outcome) {
	if w.voices == nil || p.Learned {
		return
	}
	embeddings := w.voiceSamples(p)
	if len(embeddings) == 0 {
		return
	}

	vp := voiceprint.Person{ID: person.ID, Name: person.Name}
	var err error
	if len(embeddings) > 1 {
		_, err = w.voices.AddEmbeddings(ctx, embeddings, vp)
	} else {
		err = w.voices.SaveEmbeddingWithFeedback(ctx, embeddings[0], vp, true)
	}
	if err != nil {
		out.LearningErr = fmt.Errorf("voice learning for %s: %w", person.Name, err)
		w.log.WithError(err).WithField("speaker", p.Speaker).Warn("Voice learning failed")
		return
	}
	p.Learned = true
	out.Learned = true

	if w.clips == nil || w.samples == nil {
		return
	}
	path, err := w.saveClip(ctx, p.Speaker, person.ID)
	if err != nil {
		out.LearningErr = fmt.Errorf("voice sample for %s: %w", person.Name, err)
		w.log.WithError(err).WithField("speaker", p.Speaker).Warn("Voice sample not saved")
		return
	}
	out.SamplePath = path
}

// voiceSamples returns the embeddings of the slot's clean segments, or the
// slot average when the segments carry none.
func (w *Workflow) voiceSamples(p *diarization.Participant) [][]float32 {
	var out [][]float32
	for _, seg := range w.result.CleanSegments(p.Speaker) {
		if len(seg.Embedding) == 0 {
			continue
		}
		out = append(out, seg.Embedding)
		if len(out) == maxConfirmedSamples {
			break
		}
	}
	if len(out) == 0 && p.HasEmbedding() {
		out = append(out, p.AverageEmbedding)
	}
	return out
}

func (w *Workflow) saveClip(ctx context.Context, speaker diarization.SpeakerID, personID string) (string, error) {
	clean := w.result.CleanSegments(speaker)
	if len(clean) == 0 {
		return "", nil
	}
	samples, rate, err := w.clips.Clip(ctx, clean[0])
	if err != nil {
		return "", err
	}
	if len(samples) == 0 {
		return "", nil
	}
	vp, err := w.samples.GetByPerson(personID)
	if err != nil {
		return "", err
	}
	return w.samples.SaveSample(vp.ID, samples, rate)
}

// AutoApply accepts every suggestion at or above minConfidence and returns
// the outcomes. Errors stop nothing; they are returned joined.
func (w *Workflow) AutoApply(ctx context.Context, minConfidence float64) ([]Outcome, error) {
	var outcomes []Outcome
	var errs []error
	for _, it := range w.Pending() {
		if it.Suggestion == nil || it.Suggestion.Confidence < minConfidence {
			continue
		}
		out, err := w.Resolve(ctx, Decision{Speaker: it.Speaker, Action: AcceptSuggestion})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, errors.Join(errs...)
}
