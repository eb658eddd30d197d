package api

import (
	"whonext/audio"
	"whonext/diarization"
	"whonext/internal/service"
	"whonext/models"
	"whonext/review"
	"whonext/voiceprint"
)

// Message is the envelope of the control channel, both on the websocket and
// on the gRPC stream. Type selects the command or event; only the fields it
// needs are set.
type Message struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Data      string `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`

	// Recording
	MeetingID string   `json:"meetingId,omitempty"`
	Title     string   `json:"title,omitempty"`
	Attendees []string `json:"attendees,omitempty"`

	// Live session and review commands
	Speaker  diarization.SpeakerID `json:"speaker,omitempty"`
	PersonID string                `json:"personId,omitempty"`
	Name     string                `json:"name,omitempty"`
	IsMe     bool                  `json:"isMe,omitempty"`
	Decision *review.Decision      `json:"decision,omitempty"`
	MinScore float64               `json:"minScore,omitempty"`

	// Events and replies
	Snapshot    *diarization.Snapshot `json:"snapshot,omitempty"`
	Meeting     *service.Meeting      `json:"meeting,omitempty"`
	Meetings    []*service.Meeting    `json:"meetings,omitempty"`
	Result      *diarization.Result   `json:"result,omitempty"`
	Items       []review.Item         `json:"items,omitempty"`
	Outcomes    []review.Outcome      `json:"outcomes,omitempty"`
	VoicePrints []VoicePrintInfo      `json:"voiceprints,omitempty"`
	Devices     []audio.Device        `json:"devices,omitempty"`

	// Audio levels
	MicLevel    float64 `json:"micLevel,omitempty"`
	SystemLevel float64 `json:"systemLevel,omitempty"`
	Overlapping bool    `json:"overlapping,omitempty"`

	VoicePrintID string `json:"voiceprintId,omitempty"`

	// Models
	Models   []models.ModelState `json:"models,omitempty"`
	ModelID  string              `json:"modelId,omitempty"`
	Progress float64             `json:"progress,omitempty"`

	// Assistant
	Summary      string            `json:"summary,omitempty"`
	Question     string            `json:"question,omitempty"`
	Answer       string            `json:"answer,omitempty"`
	History      []service.Message `json:"history,omitempty"`
	Participants []string          `json:"participants,omitempty"`
}

// VoicePrintInfo is a voice print without its embedding vectors.
type VoicePrintInfo struct {
	ID          string  `json:"id"`
	PersonID    string  `json:"personId"`
	Name        string  `json:"name"`
	SampleCount int     `json:"sampleCount"`
	Confidence  float64 `json:"confidence"`
	SamplePath  string  `json:"samplePath,omitempty"`
	LastSeenAt  string  `json:"lastSeenAt"`
}

func voicePrintInfo(vp voiceprint.VoicePrint) VoicePrintInfo {
	return VoicePrintInfo{
		ID:          vp.ID,
		PersonID:    vp.PersonID,
		Name:        vp.Name,
		SampleCount: vp.SampleCount,
		Confidence:  vp.Confidence,
		SamplePath:  vp.SamplePath,
		LastSeenAt:  vp.LastSeenAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}
