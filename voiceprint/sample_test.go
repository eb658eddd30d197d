package voiceprint

import (
	"context"
	"math"
	"os"
	"testing"
)

func TestSaveSample_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveEmbeddingWithFeedback(context.Background(), []float32{1, 0}, Person{ID: "p", Name: "Olga"}, true); err != nil {
		t.Fatal(err)
	}
	vp, _ := s.GetByPerson("p")

	const rate = 44100
	clip := make([]float32, rate)
	for i := range clip {
		clip[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/rate))
	}

	path, err := s.SaveSample(vp.ID, clip, rate)
	if err != nil {
		t.Fatalf("SaveSample: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("clip not written: %v", err)
	}
	got, _ := s.Get(vp.ID)
	if got.SamplePath != path {
		t.Errorf("SamplePath = %q, want %q", got.SamplePath, path)
	}

	pcm, gotRate, err := ReadMP3(path)
	if err != nil {
		t.Fatalf("ReadMP3: %v", err)
	}
	if gotRate != rate {
		t.Errorf("rate = %d, want %d", gotRate, rate)
	}
	if len(pcm) < rate/2 {
		t.Errorf("decoded %d samples, want about %d", len(pcm), rate)
	}

	if err := s.Delete(vp.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("clip should be removed with its print, stat err = %v", err)
	}
}

func TestSaveSample_UnknownPrint(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.SaveSample("missing", []float32{0.1}, 16000); err == nil {
		t.Error("expected error for unknown print")
	}
}
