package diarization

import "time"

// SpeakerStatus is the live view of one slot.
type SpeakerStatus struct {
	Speaker            SpeakerID `json:"speaker"`
	DisplayName        string    `json:"displayName"`
	State              NameState `json:"state"`
	PersonID           string    `json:"personId,omitempty"`
	Confidence         float64   `json:"confidence"`
	IsMe               bool      `json:"isMe,omitempty"`
	TotalSpeakingTime  float64   `json:"totalSpeakingTime"`
	SegmentCount       int       `json:"segmentCount"`
	OverlappedSegments int       `json:"overlappedSegments"`
	LastSeen           float64   `json:"lastSeen"`
	// Active is set when the slot spoke within the session's active window
	// of the latest segment end.
	Active bool `json:"active"`
}

// Snapshot is an immutable view of a running session. A new value is
// published after every processed segment or user action.
type Snapshot struct {
	SessionID string          `json:"sessionId"`
	Speakers  []SpeakerStatus `json:"speakers"`
	// CurrentSpeaker is the slot of the most recent segment; HasCurrent is
	// false until the first segment.
	CurrentSpeaker SpeakerID    `json:"currentSpeaker"`
	HasCurrent     bool         `json:"hasCurrent"`
	Position       float64      `json:"position"`
	Segments       int          `json:"segments"`
	Overlap        OverlapStats `json:"overlap"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Speaker returns the status of one slot.
func (s Snapshot) Speaker(id SpeakerID) (SpeakerStatus, bool) {
	for _, st := range s.Speakers {
		if st.Speaker == id {
			return st, true
		}
	}
	return SpeakerStatus{}, false
}

func statusOf(p *Participant, position, window float64) SpeakerStatus {
	return SpeakerStatus{
		Speaker:            p.Speaker,
		DisplayName:        p.DisplayName(),
		State:              p.State,
		PersonID:           p.PersonID,
		Confidence:         p.Confidence,
		IsMe:               p.IsMe,
		TotalSpeakingTime:  p.TotalSpeakingTime,
		SegmentCount:       p.SegmentCount,
		OverlappedSegments: p.OverlappedSegments,
		LastSeen:           p.LastSeen,
		Active:             p.SegmentCount > 0 && p.LastSeen >= position-window,
	}
}
