package diarization

// Segment is a contiguous span of attributed speech. Times are seconds from
// the start of the recording.
type Segment struct {
	// EngineSpeaker is the label the diarization engine assigned.
	EngineSpeaker SpeakerID `json:"engineSpeaker"`
	// Speaker is the session slot, assigned on Submit.
	Speaker   SpeakerID `json:"speaker"`
	Start     float64   `json:"start"`
	End       float64   `json:"end"`
	Text      string    `json:"text,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`

	// Overlapped is set when another speaker's segment intersects this one
	// by at least MinOverlapDuration. Overlapped embeddings never feed a
	// voice print.
	Overlapped bool `json:"overlapped,omitempty"`

	// Resolved identity, rewritten when the slot is named.
	PersonID string `json:"personId,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Duration returns End-Start, never negative.
func (s Segment) Duration() float64 {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

// Span returns the segment as a TimedSpan keyed by slot.
func (s Segment) Span() TimedSpan {
	return TimedSpan{Speaker: s.Speaker, Start: s.Start, End: s.End}
}

// SegmentRef is a stable index into a SegmentLog.
type SegmentRef int

// SegmentLog owns every segment of a meeting. Segments are appended and never
// removed; amendments go through the log by reference so callers never
// rewrite copies.
type SegmentLog struct {
	segments  []Segment
	bySpeaker map[SpeakerID][]SegmentRef
}

// NewSegmentLog creates an empty log.
func NewSegmentLog() *SegmentLog {
	return &SegmentLog{bySpeaker: make(map[SpeakerID][]SegmentRef)}
}

// Append stores seg and returns its reference.
func (l *SegmentLog) Append(seg Segment) SegmentRef {
	ref := SegmentRef(len(l.segments))
	l.segments = append(l.segments, seg)
	l.bySpeaker[seg.Speaker] = append(l.bySpeaker[seg.Speaker], ref)
	return ref
}

// Len returns the number of segments.
func (l *SegmentLog) Len() int {
	return len(l.segments)
}

// Get returns a copy of the referenced segment.
func (l *SegmentLog) Get(ref SegmentRef) Segment {
	return l.segments[ref]
}

// At returns a pointer for in-place amendment. Only the log's owner may hold
// it, and only until the next Append.
func (l *SegmentLog) At(ref SegmentRef) *Segment {
	return &l.segments[ref]
}

// ForSpeaker returns the references of one slot's segments in arrival order.
func (l *SegmentLog) ForSpeaker(id SpeakerID) []SegmentRef {
	return l.bySpeaker[id]
}

// Rename rewrites the resolved identity of every segment of one slot.
// O(segments of that slot).
func (l *SegmentLog) Rename(id SpeakerID, personID, name string) int {
	refs := l.bySpeaker[id]
	for _, ref := range refs {
		l.segments[ref].PersonID = personID
		l.segments[ref].Name = name
	}
	return len(refs)
}

// Spans returns every segment as a TimedSpan.
func (l *SegmentLog) Spans() []TimedSpan {
	spans := make([]TimedSpan, len(l.segments))
	for i, s := range l.segments {
		spans[i] = s.Span()
	}
	return spans
}

// Segments returns a copy of all segments in arrival order.
func (l *SegmentLog) Segments() []Segment {
	out := make([]Segment, len(l.segments))
	copy(out, l.segments)
	return out
}

// Clone returns a deep-enough copy: segment values are copied, embeddings
// are shared (they are never mutated after Append).
func (l *SegmentLog) Clone() *SegmentLog {
	c := &SegmentLog{
		segments:  l.Segments(),
		bySpeaker: make(map[SpeakerID][]SegmentRef, len(l.bySpeaker)),
	}
	for k, v := range l.bySpeaker {
		c.bySpeaker[k] = append([]SegmentRef(nil), v...)
	}
	return c
}

// RestoreSegmentLog rebuilds a log from persisted segments.
func RestoreSegmentLog(segments []Segment) *SegmentLog {
	l := NewSegmentLog()
	for _, s := range segments {
		l.Append(s)
	}
	return l
}
