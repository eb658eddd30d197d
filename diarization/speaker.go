// Package diarization tracks who is speaking during a live meeting: overlap
// detection between the microphone and system streams, per-speaker slot
// state, and the end-of-meeting result handed to the review workflow.
package diarization

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrUnknownSpeaker is returned when a speaker label cannot be normalized.
var ErrUnknownSpeaker = errors.New("unknown speaker label")

// SpeakerID is a speaker slot index. Engine labels and session slots are
// both expressed as SpeakerID; 0 is a valid engine id.
type SpeakerID int

// String renders the canonical display label.
func (id SpeakerID) String() string {
	return fmt.Sprintf("Speaker %d", int(id))
}

// Key renders the canonical wire form ("speaker_3").
func (id SpeakerID) Key() string {
	return "speaker_" + strconv.Itoa(int(id))
}

// MarshalText implements encoding.TextMarshaler so SpeakerID can key JSON maps.
func (id SpeakerID) MarshalText() ([]byte, error) {
	return []byte(id.Key()), nil
}

// UnmarshalText accepts any form ParseSpeakerID accepts.
func (id *SpeakerID) UnmarshalText(b []byte) error {
	v, err := ParseSpeakerID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// MarshalJSON writes the bare slot number; map keys still use MarshalText.
func (id SpeakerID) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, int64(id), 10), nil
}

// UnmarshalJSON accepts a number or any label string.
func (id *SpeakerID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var label string
		if err := json.Unmarshal(b, &label); err != nil {
			return err
		}
		return id.UnmarshalText([]byte(label))
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownSpeaker, b)
	}
	*id = SpeakerID(n)
	return nil
}

// speakerPrefixes are the label prefixes diarization engines and older
// transcripts use. Longest first so "speaker" wins over "spk".
var speakerPrefixes = []string{"speaker", "spk", "s"}

// ParseSpeakerID normalizes every speaker label form seen in transcripts:
// "speaker_1", "Speaker 1", "SPEAKER_01", "spk1", "S1", "1".
func ParseSpeakerID(label string) (SpeakerID, error) {
	s := strings.ToLower(strings.TrimSpace(label))
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrUnknownSpeaker)
	}

	for _, p := range speakerPrefixes {
		if strings.HasPrefix(s, p) {
			rest := strings.TrimLeftFunc(s[len(p):], func(r rune) bool {
				return r == '_' || r == '-' || r == ' ' || r == '#'
			})
			if rest != "" && isDigits(rest) {
				s = rest
			}
			break
		}
	}

	if !isDigits(s) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSpeaker, label)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSpeaker, label)
	}
	return SpeakerID(n), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
