package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"whonext/diarization"
	"whonext/voiceprint"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func twoSpeakerResult(t *testing.T) *diarization.Result {
	t.Helper()
	r, err := NewReplayer(RecordingConfig{}, nil, nil, testLogger()).ReplaySegments(context.Background(), "replay", []diarization.Segment{
		{EngineSpeaker: 0, Start: 0, End: 2, Text: "hello"},
		{EngineSpeaker: 1, Start: 2.5, End: 4, Text: "hi there"},
		{EngineSpeaker: 0, Start: 4.5, End: 6},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestMeetingStore_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	store, err := NewMeetingStore(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	m, err := store.Create("Weekly sync", []string{"Alice", "Bob"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != MeetingRecording {
		t.Errorf("status = %s", m.Status)
	}
	if err := store.Delete(m.ID); err == nil {
		t.Error("deleting a recording meeting should fail")
	}

	result := twoSpeakerResult(t)
	if err := store.Finish(m, result, 16000, 16000*6); err != nil {
		t.Fatal(err)
	}
	if m.Status != MeetingCompleted || m.EndTime == nil {
		t.Errorf("after finish: status=%s end=%v", m.Status, m.EndTime)
	}
	if m.SpeakerCount != 2 {
		t.Errorf("speaker count = %d", m.SpeakerCount)
	}
	if err := store.SetSummary(m.ID, "## Topic\nsync"); err != nil {
		t.Fatal(err)
	}

	// A fresh store sees the same meeting from disk.
	reloaded, err := NewMeetingStore(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	got, err := reloaded.Get(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Weekly sync" || got.Summary != "## Topic\nsync" || got.SampleRate != 16000 {
		t.Errorf("reloaded meeting = %+v", got)
	}
	loaded, err := reloaded.LoadResult(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Segments()) != 3 || len(loaded.Participants) != 2 {
		t.Errorf("loaded result: %d segments, %d participants", len(loaded.Segments()), len(loaded.Participants))
	}

	if err := reloaded.Delete(m.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := reloaded.Get(m.ID); !errors.Is(err, ErrMeetingNotFound) {
		t.Errorf("get after delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, m.ID)); !os.IsNotExist(err) {
		t.Error("meeting dir not removed")
	}
}

func TestMeetingStore_ReviewedWhenResolved(t *testing.T) {
	store, err := NewMeetingStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	m, _ := store.Create("", nil)
	result := twoSpeakerResult(t)
	if err := store.Finish(m, result, 16000, 0); err != nil {
		t.Fatal(err)
	}
	if m.Status != MeetingCompleted {
		t.Fatalf("status = %s", m.Status)
	}

	for _, p := range result.Participants {
		if err := result.MarkTranscriptOnly(p.Speaker, "Guest"); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.SaveResult(m.ID, result); err != nil {
		t.Fatal(err)
	}
	if m.Status != MeetingReviewed {
		t.Errorf("status = %s, want reviewed", m.Status)
	}
}

func TestMeetingStore_ListNewestFirst(t *testing.T) {
	store, _ := NewMeetingStore(t.TempDir(), testLogger())
	a, _ := store.Create("a", nil)
	b, _ := store.Create("b", nil)
	a.StartTime = time.Now().Add(-time.Hour)

	list := store.List()
	if len(list) != 2 || list[0].ID != b.ID {
		t.Errorf("list order wrong: %v, %v", list[0].Title, list[1].Title)
	}
}

func TestMeetingClips(t *testing.T) {
	store, _ := NewMeetingStore(t.TempDir(), testLogger())
	m, _ := store.Create("clips", nil)
	path, _ := store.AudioPath(m.ID)

	const rate = 48000
	samples := make([]float32, rate*3)
	for i := range samples {
		samples[i] = 0.2
	}
	if err := voiceprint.WriteMP3(path, samples, rate); err != nil {
		t.Fatal(err)
	}

	clips, err := store.Clips(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	clip, gotRate, err := clips.Clip(context.Background(), diarization.Segment{Start: 1, End: 2})
	if err != nil {
		t.Fatal(err)
	}
	if gotRate != rate {
		t.Errorf("rate = %d", gotRate)
	}
	if len(clip) != rate {
		t.Errorf("clip len = %d, want %d", len(clip), rate)
	}

	empty, _, err := clips.Clip(context.Background(), diarization.Segment{Start: 10, End: 11})
	if err != nil || len(empty) != 0 {
		t.Errorf("out of range clip = %d samples, err %v", len(empty), err)
	}
}
