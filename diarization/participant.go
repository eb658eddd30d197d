package diarization

import (
	"errors"
	"fmt"
)

// ErrTerminalState is returned when a transition is attempted on a slot
// that is already confirmed or transcript-only.
var ErrTerminalState = errors.New("speaker already resolved")

// ErrInvalidTransition is returned for transitions the naming state machine
// does not allow (e.g. rejecting a slot that has no suggestion).
var ErrInvalidTransition = errors.New("invalid naming transition")

// NameState is the naming state of a speaker slot.
//
//	unnamed ──match──▶ autoMatched ──confirm──▶ confirmed (terminal)
//	   │  ▲                 │
//	   │  └────reject───────┤
//	   └──────────────────────────▶ transcriptOnly (terminal)
type NameState int

const (
	StateUnnamed NameState = iota
	StateAutoMatched
	StateConfirmed
	StateTranscriptOnly
)

var nameStateNames = [...]string{"unnamed", "autoMatched", "confirmed", "transcriptOnly"}

func (s NameState) String() string {
	if int(s) < len(nameStateNames) {
		return nameStateNames[s]
	}
	return fmt.Sprintf("NameState(%d)", int(s))
}

func (s NameState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *NameState) UnmarshalText(b []byte) error {
	for i, n := range nameStateNames {
		if n == string(b) {
			*s = NameState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown name state %q", b)
}

// Naming is the resolved-identity part of a slot.
type Naming struct {
	State    NameState `json:"state"`
	PersonID string    `json:"personId,omitempty"`
	Name     string    `json:"name,omitempty"`
	// Confidence is the voice-print similarity of the auto match. Kept on
	// confirmation for display.
	Confidence float64 `json:"confidence,omitempty"`
	// IsMe marks a slot confirmed as the local user's own profile.
	IsMe bool `json:"isMe,omitempty"`
}

// Terminal reports whether the slot can no longer change in this session.
func (n Naming) Terminal() bool {
	return n.State == StateConfirmed || n.State == StateTranscriptOnly
}

func (n *Naming) autoMatch(personID, name string, confidence float64) error {
	if n.Terminal() {
		return ErrTerminalState
	}
	n.State = StateAutoMatched
	n.PersonID = personID
	n.Name = name
	n.Confidence = confidence
	return nil
}

func (n *Naming) confirm(personID, name string, isMe bool) error {
	if n.Terminal() {
		return ErrTerminalState
	}
	if n.PersonID != personID {
		n.Confidence = 0
	}
	n.State = StateConfirmed
	n.PersonID = personID
	n.Name = name
	n.IsMe = isMe
	return nil
}

func (n *Naming) transcriptOnly(name string) error {
	if n.Terminal() {
		return ErrTerminalState
	}
	*n = Naming{State: StateTranscriptOnly, Name: name}
	return nil
}

func (n *Naming) reject() (string, error) {
	if n.Terminal() {
		return "", ErrTerminalState
	}
	if n.State != StateAutoMatched {
		return "", fmt.Errorf("%w: %s has no suggestion to reject", ErrInvalidTransition, n.State)
	}
	rejected := n.PersonID
	*n = Naming{State: StateUnnamed}
	return rejected, nil
}

// Participant is one detected speaker of a meeting with its aggregate stats.
type Participant struct {
	Speaker       SpeakerID `json:"speaker"`
	EngineSpeaker SpeakerID `json:"engineSpeaker"`
	Naming

	// TotalSpeakingTime sums segment durations in seconds. During genuine
	// overlap both speakers accrue the same wall-clock interval, so the sum
	// over participants can exceed the meeting length.
	TotalSpeakingTime  float64 `json:"totalSpeakingTime"`
	SegmentCount       int     `json:"segmentCount"`
	OverlappedSegments int     `json:"overlappedSegments"`
	FirstSeen          float64 `json:"firstSeen"`
	LastSeen           float64 `json:"lastSeen"`

	// AverageEmbedding is the mean of the slot's non-overlapped segment
	// embeddings; nil when the engine produced none.
	AverageEmbedding []float32 `json:"averageEmbedding,omitempty"`
	EmbeddingSamples int       `json:"embeddingSamples"`

	// Rejected lists person ids the user rejected for this slot.
	Rejected []string `json:"rejected,omitempty"`
	// Learned is set once the confirmed identity was written to the voice
	// print store.
	Learned bool `json:"learned,omitempty"`
}

// HasEmbedding reports whether voice data exists for the slot.
func (p *Participant) HasEmbedding() bool {
	return p.EmbeddingSamples > 0 && len(p.AverageEmbedding) > 0
}

// DisplayName returns the resolved name or the provisional slot label.
func (p *Participant) DisplayName() string {
	if p.Name != "" && p.State != StateUnnamed {
		return p.Name
	}
	return p.Speaker.String()
}

func (p *Participant) isRejected(personID string) bool {
	for _, id := range p.Rejected {
		if id == personID {
			return true
		}
	}
	return false
}

// embeddingSum keeps the running sum behind AverageEmbedding so segments
// flagged as overlapped after the fact can be taken back out.
type embeddingSum struct {
	sum []float64
	n   int
}

func (e *embeddingSum) add(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	if e.sum == nil {
		e.sum = make([]float64, len(v))
	}
	if len(v) != len(e.sum) {
		return false
	}
	for i, x := range v {
		e.sum[i] += float64(x)
	}
	e.n++
	return true
}

func (e *embeddingSum) remove(v []float32) {
	if e.n == 0 || len(v) != len(e.sum) {
		return
	}
	for i, x := range v {
		e.sum[i] -= float64(x)
	}
	e.n--
}

func (e *embeddingSum) mean() []float32 {
	if e.n == 0 {
		return nil
	}
	out := make([]float32, len(e.sum))
	for i, x := range e.sum {
		out[i] = float32(x / float64(e.n))
	}
	return out
}
