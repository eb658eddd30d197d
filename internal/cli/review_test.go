package cli

import (
	"testing"

	"whonext/review"
)

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		line     string
		action   review.Action
		personID string
		name     string
		skip     bool
		wantErr  bool
	}{
		{line: "a", action: review.AcceptSuggestion},
		{line: "l p-42", action: review.LinkExisting, personID: "p-42"},
		{line: "c  Alice Smith ", action: review.CreatePerson, name: "Alice Smith"},
		{line: "M", action: review.ThisIsMe},
		{line: "t", action: review.TranscriptOnly},
		{line: "t Guest", action: review.TranscriptOnly, name: "Guest"},
		{line: "s", skip: true},
		{line: "", skip: true},
		{line: "l", wantErr: true},
		{line: "c", wantErr: true},
		{line: "x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			d, skip, err := parseAnswer(2, tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if skip != tt.skip {
				t.Fatalf("skip = %v, want %v", skip, tt.skip)
			}
			if skip {
				return
			}
			if d.Speaker != 2 || d.Action != tt.action || d.PersonID != tt.personID || d.Name != tt.name {
				t.Errorf("got %+v", d)
			}
		})
	}
}
