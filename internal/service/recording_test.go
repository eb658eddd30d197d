package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"whonext/audio"
	"whonext/diarization"
	"whonext/voiceprint"
)

type fakeCapture struct {
	rate   int
	data   chan audio.ChannelData
	mu     sync.Mutex
	starts int
	stops  int
	err    error
}

func newFakeCapture(rate int) *fakeCapture {
	return &fakeCapture{rate: rate, data: make(chan audio.ChannelData, 256)}
}

func (c *fakeCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	return c.err
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func (c *fakeCapture) Data() <-chan audio.ChannelData { return c.data }
func (c *fakeCapture) SampleRate() int                { return c.rate }
func (c *fakeCapture) SystemEnabled() bool            { return false }
func (c *fakeCapture) ClearBuffers()                  {}

// fakeEngine labels each chunk with alternating engine speakers.
type fakeEngine struct {
	mu        sync.Mutex
	offsets   []float64
	resets    int
	embedding []float32
}

func (e *fakeEngine) Process(samples []float32, offset float64) ([]diarization.Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offsets = append(e.offsets, offset)
	dur := float64(len(samples)) / 16000
	return []diarization.Segment{{
		EngineSpeaker: diarization.SpeakerID(len(e.offsets) % 2),
		Start:         offset,
		End:           offset + dur,
		Embedding:     e.embedding,
	}}, nil
}

func (e *fakeEngine) SampleRate() int { return 16000 }

func (e *fakeEngine) Reset() {
	e.mu.Lock()
	e.resets++
	e.mu.Unlock()
}

func TestRecordingService_StartStop(t *testing.T) {
	meetings, err := NewMeetingStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	capture := newFakeCapture(16000)
	engine := &fakeEngine{}
	svc := NewRecordingService(RecordingConfig{ChunkDuration: time.Second}, capture, engine, nil, meetings, testLogger())

	var started *diarization.Session
	svc.OnSessionStart = func(s *diarization.Session) { started = s }

	ctx := context.Background()
	m, sess, err := svc.Start(ctx, "Standup", []string{"Alice"})
	if err != nil {
		t.Fatal(err)
	}
	if started != sess || svc.Current() != sess {
		t.Error("session not published")
	}
	if _, _, err := svc.Start(ctx, "again", nil); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second start: %v", err)
	}

	// 2.5 s of audio in 100 ms buffers.
	for i := 0; i < 25; i++ {
		buf := make([]float32, 1600)
		for j := range buf {
			buf[j] = 0.1
		}
		capture.data <- audio.ChannelData{Channel: audio.ChannelMicrophone, Samples: buf}
	}

	stopped, result, err := svc.Stop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stopped.ID != m.ID || stopped.Status != MeetingCompleted {
		t.Errorf("stopped meeting = %+v", stopped)
	}
	if svc.Current() != nil {
		t.Error("current session should be cleared")
	}

	// Two full chunks plus the final partial one.
	if len(engine.offsets) != 3 {
		t.Fatalf("engine chunks = %v", engine.offsets)
	}
	if engine.offsets[1] != 1 || engine.offsets[2] != 2 {
		t.Errorf("chunk offsets = %v", engine.offsets)
	}
	if len(result.Segments()) != 3 || len(result.Participants) != 2 {
		t.Errorf("result: %d segments, %d participants", len(result.Segments()), len(result.Participants))
	}
	if stopped.SampleCount != 16000*25/10 {
		t.Errorf("samples written = %d", stopped.SampleCount)
	}

	audioPath, _ := meetings.AudioPath(m.ID)
	if info, err := os.Stat(audioPath); err != nil || info.Size() == 0 {
		t.Errorf("recording file missing: %v", err)
	}
	if _, err := meetings.LoadResult(m.ID); err != nil {
		t.Errorf("result not persisted: %v", err)
	}

	if _, _, err := svc.Stop(ctx); !errors.Is(err, ErrNotRecording) {
		t.Errorf("second stop: %v", err)
	}
}

func TestRecordingService_CaptureFailure(t *testing.T) {
	meetings, _ := NewMeetingStore(t.TempDir(), testLogger())
	capture := newFakeCapture(16000)
	capture.err = errors.New("no device")
	svc := NewRecordingService(RecordingConfig{}, capture, &fakeEngine{}, nil, meetings, testLogger())

	if _, _, err := svc.Start(context.Background(), "x", nil); err == nil {
		t.Fatal("expected capture error")
	}
	if svc.Current() != nil {
		t.Error("no session should be active")
	}
	list := meetings.List()
	if len(list) != 1 || list[0].Status != MeetingCompleted {
		t.Errorf("failed meeting should be closed: %+v", list)
	}
}

func TestRecordingService_LearnsLiveConfirmation(t *testing.T) {
	meetings, err := NewMeetingStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	voices, err := voiceprint.NewStore(t.TempDir(), voiceprint.DefaultConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	capture := newFakeCapture(16000)
	engine := &fakeEngine{embedding: []float32{1, 0, 0}}
	svc := NewRecordingService(RecordingConfig{ChunkDuration: time.Second}, capture, engine, voices, meetings, testLogger())

	ctx := context.Background()
	m, sess, err := svc.Start(ctx, "1:1", nil)
	if err != nil {
		t.Fatal(err)
	}
	// Exactly one chunk, so the meeting has a single speaker.
	for i := 0; i < 10; i++ {
		capture.data <- audio.ChannelData{Channel: audio.ChannelMicrophone, Samples: make([]float32, 1600)}
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(sess.Snapshot().Speakers) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("speaker never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := sess.ConfirmSpeaker(ctx, 1, "alice", "Alice", false); err != nil {
		t.Fatal(err)
	}

	_, result, err := svc.Stop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p := result.Participant(1); p == nil || !p.Learned {
		t.Fatalf("slot 1 = %+v, want learned", p)
	}
	vp, err := voices.GetByPerson("alice")
	if err != nil {
		t.Fatalf("live confirmation not learned: %v", err)
	}
	if vp.ConfirmedCount != 1 || vp.Name != "Alice" {
		t.Errorf("print = %+v", vp)
	}

	stored, err := meetings.Get(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != MeetingReviewed {
		t.Errorf("status = %s, want reviewed", stored.Status)
	}
	loaded, err := meetings.LoadResult(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Participant(1).Learned {
		t.Error("learned flag not persisted")
	}
}

func TestEmitChunk_DroppedChunkBecomesGap(t *testing.T) {
	rs, err := audio.NewResampler(16000, 16000)
	if err != nil {
		t.Fatal(err)
	}
	svc := NewRecordingService(RecordingConfig{}, newFakeCapture(16000), &fakeEngine{}, nil, nil, testLogger())
	rec := &recording{resampler: rs, chunks: make(chan chunk, 1)}

	for _, n := range []int{16000, 16000, 8000} {
		rec.buf = make([]float32, n)
		svc.emitChunk(rec, false)
	}
	if len(rec.chunks) != 1 {
		t.Fatalf("queued = %d, want 1", len(rec.chunks))
	}
	if len(rec.dropped) != 2 || rec.dropped[0] != (diarization.Gap{Start: 1, End: 2}) || rec.dropped[1] != (diarization.Gap{Start: 2, End: 2.5}) {
		t.Fatalf("dropped = %+v", rec.dropped)
	}

	var r diarization.Result
	for _, g := range rec.dropped {
		r.AddGap(g.Start, g.End)
	}
	if len(r.Gaps) != 1 || r.Gaps[0] != (diarization.Gap{Start: 1, End: 2.5}) {
		t.Errorf("gaps = %+v", r.Gaps)
	}
}
