package diarization

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Result is the finalized outcome of a recording session: one participant
// per detected speaker plus every segment. It is the input of the review
// workflow and is not safe for concurrent mutation.
type Result struct {
	SessionID    string         `json:"sessionId"`
	StartedAt    time.Time      `json:"startedAt"`
	StoppedAt    time.Time      `json:"stoppedAt"`
	Participants []*Participant `json:"participants"`
	Overlap      OverlapStats   `json:"overlap"`

	// LearnedSamples counts embeddings written to voice prints during the
	// session, DiscardedSamples those dropped at stop or on a full queue.
	LearnedSamples   int `json:"learnedSamples"`
	DiscardedSamples int `json:"discardedSamples"`

	// Gaps are recorded stretches the engine never diarized.
	Gaps []Gap `json:"gaps,omitempty"`

	log *SegmentLog
}

// Gap is a span of meeting time, in seconds, without speaker segments.
type Gap struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// AddGap records an undiarized span, merging it into the previous gap when
// the two touch.
func (r *Result) AddGap(start, end float64) {
	if end <= start {
		return
	}
	if n := len(r.Gaps); n > 0 && start <= r.Gaps[n-1].End {
		r.Gaps[n-1].End = max(r.Gaps[n-1].End, end)
		return
	}
	r.Gaps = append(r.Gaps, Gap{Start: start, End: end})
}

// Segments returns a copy of all segments in arrival order.
func (r *Result) Segments() []Segment {
	if r.log == nil {
		return nil
	}
	return r.log.Segments()
}

// SegmentLog exposes the owned segment arena.
func (r *Result) SegmentLog() *SegmentLog {
	if r.log == nil {
		r.log = NewSegmentLog()
	}
	return r.log
}

// Participant returns the slot or nil.
func (r *Result) Participant(id SpeakerID) *Participant {
	for _, p := range r.Participants {
		if p.Speaker == id {
			return p
		}
	}
	return nil
}

// Unresolved returns slots still unnamed or auto-matched.
func (r *Result) Unresolved() []*Participant {
	var out []*Participant
	for _, p := range r.Participants {
		if !p.Terminal() {
			out = append(out, p)
		}
	}
	return out
}

// Suggest records an auto-match suggestion for a slot.
func (r *Result) Suggest(id SpeakerID, personID, name string, confidence float64) error {
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	if p.isRejected(personID) {
		return fmt.Errorf("%w: %s was rejected for %s", ErrInvalidTransition, personID, id)
	}
	return p.autoMatch(personID, name, confidence)
}

// Confirm links a slot to a person and rewrites its segments.
func (r *Result) Confirm(id SpeakerID, personID, name string, isMe bool) error {
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := p.confirm(personID, name, isMe); err != nil {
		return err
	}
	r.SegmentLog().Rename(id, personID, name)
	return nil
}

// MarkTranscriptOnly names a slot without a person link.
func (r *Result) MarkTranscriptOnly(id SpeakerID, name string) error {
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := p.transcriptOnly(name); err != nil {
		return err
	}
	r.SegmentLog().Rename(id, "", name)
	return nil
}

// Reject drops a slot's suggestion and remembers the rejected person.
func (r *Result) Reject(id SpeakerID) error {
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	rejected, err := p.reject()
	if err != nil {
		return err
	}
	p.Rejected = append(p.Rejected, rejected)
	return nil
}

func (r *Result) lookup(id SpeakerID) (*Participant, error) {
	p := r.Participant(id)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSpeaker, id)
	}
	return p, nil
}

// CleanSegments returns the non-overlapped segments of a slot that carry
// audio-derived embeddings, longest first.
func (r *Result) CleanSegments(id SpeakerID) []Segment {
	var out []Segment
	l := r.SegmentLog()
	for _, ref := range l.ForSpeaker(id) {
		s := l.Get(ref)
		if !s.Overlapped {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Duration() > out[j].Duration()
	})
	return out
}

type resultJSON struct {
	SessionID        string         `json:"sessionId"`
	StartedAt        time.Time      `json:"startedAt"`
	StoppedAt        time.Time      `json:"stoppedAt"`
	Participants     []*Participant `json:"participants"`
	Overlap          OverlapStats   `json:"overlap"`
	LearnedSamples   int            `json:"learnedSamples"`
	DiscardedSamples int            `json:"discardedSamples"`
	Gaps             []Gap          `json:"gaps,omitempty"`
	Segments         []Segment      `json:"segments"`
}

// MarshalJSON includes the segment log.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		SessionID:        r.SessionID,
		StartedAt:        r.StartedAt,
		StoppedAt:        r.StoppedAt,
		Participants:     r.Participants,
		Overlap:          r.Overlap,
		LearnedSamples:   r.LearnedSamples,
		DiscardedSamples: r.DiscardedSamples,
		Gaps:             r.Gaps,
		Segments:         r.Segments(),
	})
}

// UnmarshalJSON restores the segment log.
func (r *Result) UnmarshalJSON(data []byte) error {
	var aux resultJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Result{
		SessionID:        aux.SessionID,
		StartedAt:        aux.StartedAt,
		StoppedAt:        aux.StoppedAt,
		Participants:     aux.Participants,
		Overlap:          aux.Overlap,
		LearnedSamples:   aux.LearnedSamples,
		DiscardedSamples: aux.DiscardedSamples,
		Gaps:             aux.Gaps,
		log:              RestoreSegmentLog(aux.Segments),
	}
	return nil
}
