package diarization

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseSpeakerID(t *testing.T) {
	tests := []struct {
		in      string
		want    SpeakerID
		wantErr bool
	}{
		{"speaker_1", 1, false},
		{"Speaker 1", 1, false},
		{"SPEAKER_01", 1, false},
		{"speaker-12", 12, false},
		{"spk1", 1, false},
		{"S1", 1, false},
		{"1", 1, false},
		{" 0 ", 0, false},
		{"speaker#3", 3, false},
		{"", 0, true},
		{"speaker", 0, true},
		{"Anna", 0, true},
		{"spkX", 0, true},
		{"-1", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSpeakerID(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownSpeaker) {
				t.Errorf("ParseSpeakerID(%q) err = %v, want ErrUnknownSpeaker", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseSpeakerID(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestSpeakerID_JSONMapKey(t *testing.T) {
	in := map[SpeakerID]string{1: "Anna", 2: "Boris"}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"speaker_1":"Anna","speaker_2":"Boris"}` {
		t.Errorf("marshal = %s", data)
	}

	var out map[SpeakerID]string
	if err := json.Unmarshal([]byte(`{"Speaker 1":"Anna","spk2":"Boris"}`), &out); err != nil {
		t.Fatal(err)
	}
	if out[1] != "Anna" || out[2] != "Boris" {
		t.Errorf("unmarshal = %v", out)
	}
}

func TestSpeakerID_Labels(t *testing.T) {
	id := SpeakerID(3)
	if id.String() != "Speaker 3" || id.Key() != "speaker_3" {
		t.Errorf("labels = %q / %q", id.String(), id.Key())
	}
}

func TestSpeakerID_JSONValue(t *testing.T) {
	type row struct {
		Speaker SpeakerID `json:"speaker"`
	}
	data, err := json.Marshal(row{Speaker: 4})
	if err != nil || string(data) != `{"speaker":4}` {
		t.Fatalf("marshal = %s, %v", data, err)
	}
	for _, in := range []string{`{"speaker":4}`, `{"speaker":"speaker_4"}`, `{"speaker":"S4"}`} {
		var r row
		if err := json.Unmarshal([]byte(in), &r); err != nil || r.Speaker != 4 {
			t.Errorf("unmarshal %s = %v, %v", in, r.Speaker, err)
		}
	}
}
