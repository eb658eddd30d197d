package voiceprint

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), DefaultConfig(), quietLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

// axis returns a unit vector along dimension i, slightly tilted toward j.
func axis(dim, i, j int, tilt float32) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	if j >= 0 {
		v[j] = tilt
	}
	return v
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Errorf("CosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFindMatchingPerson_Reflexive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	emb := axis(8, 0, 1, 0.1)

	if err := s.SaveEmbeddingWithFeedback(ctx, emb, Person{ID: "p1", Name: "Anna"}, true); err != nil {
		t.Fatalf("save: %v", err)
	}

	m, ok := s.FindMatchingPerson(ctx, emb)
	if !ok {
		t.Fatal("expected a match for the stored embedding")
	}
	if m.Person().ID != "p1" {
		t.Errorf("matched %q, want p1", m.Person().ID)
	}
	if m.Similarity < 0.99 {
		t.Errorf("similarity = %v, want ~1", m.Similarity)
	}
	if m.Confidence != "high" {
		t.Errorf("confidence tier = %q, want high", m.Confidence)
	}
}

func TestFindMatchingPerson_Dissimilar(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SaveEmbeddingWithFeedback(ctx, axis(8, 0, -1, 0), Person{ID: "p1", Name: "Anna"}, true); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveEmbeddingWithFeedback(ctx, axis(8, 4, -1, 0), Person{ID: "p2", Name: "Boris"}, true); err != nil {
		t.Fatal(err)
	}

	m, ok := s.FindMatchingPerson(ctx, axis(8, 4, 5, 0.2))
	if !ok || m.Person().ID != "p2" {
		t.Fatalf("got %+v ok=%v, want p2", m, ok)
	}

	if _, ok := s.FindMatchingPerson(ctx, axis(8, 7, -1, 0)); ok {
		t.Error("orthogonal embedding must not match anybody")
	}
}

func TestFindMatchingPerson_EmptyStore(t *testing.T) {
	s := newTestStore(t)
	if _, ok := s.FindMatchingPerson(context.Background(), axis(4, 0, -1, 0)); ok {
		t.Error("empty store must report no match")
	}
}

func TestFindMatches_SkipsZeroSamplePrints(t *testing.T) {
	s := newTestStore(t)
	s.data.VoicePrints = append(s.data.VoicePrints, VoicePrint{
		ID:       "vp0",
		PersonID: "p0",
		Name:     "Ghost",
		Centroid: axis(4, 0, -1, 0),
	})

	matches, err := s.FindMatches(context.Background(), axis(4, 0, -1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("got %d matches, want 0 for a print without samples", len(matches))
	}
}

func TestSaveEmbeddingWithFeedback_ConfirmedNeverLower(t *testing.T) {
	ctx := context.Background()
	prior := [][]float32{axis(6, 0, 1, 0.1), axis(6, 0, 2, 0.2), axis(6, 0, 1, 0.3)}
	next := axis(6, 0, 3, 0.4)

	build := func(confirmed bool) *VoicePrint {
		s := newTestStore(t)
		for _, e := range prior {
			if err := s.SaveEmbeddingWithFeedback(ctx, e, Person{ID: "p", Name: "P"}, false); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.SaveEmbeddingWithFeedback(ctx, next, Person{ID: "p", Name: "P"}, confirmed); err != nil {
			t.Fatal(err)
		}
		vp, err := s.GetByPerson("p")
		if err != nil {
			t.Fatal(err)
		}
		return vp
	}

	auto := build(false)
	conf := build(true)

	if conf.Confidence < auto.Confidence {
		t.Errorf("confirmed confidence %v < unconfirmed %v", conf.Confidence, auto.Confidence)
	}
	if conf.SampleCount != 4 || auto.SampleCount != 4 {
		t.Errorf("sample counts = %d/%d, want 4/4", conf.SampleCount, auto.SampleCount)
	}
	if conf.ConfirmedCount != 1 || auto.ConfirmedCount != 0 {
		t.Errorf("confirmed counts = %d/%d, want 1/0", conf.ConfirmedCount, auto.ConfirmedCount)
	}
	for i := range conf.Centroid {
		if conf.Centroid[i] != auto.Centroid[i] {
			t.Fatalf("centroid differs at %d: %v vs %v", i, conf.Centroid[i], auto.Centroid[i])
		}
	}
}

func TestSaveEmbeddingWithFeedback_Errors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SaveEmbeddingWithFeedback(ctx, nil, Person{ID: "p"}, true); !errors.Is(err, ErrEmptyEmbedding) {
		t.Errorf("nil embedding: got %v", err)
	}
	if err := s.SaveEmbeddingWithFeedback(ctx, []float32{1, 0}, Person{}, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("no person id: got %v", err)
	}
	if err := s.SaveEmbeddingWithFeedback(ctx, []float32{1, 0}, Person{ID: "p"}, true); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveEmbeddingWithFeedback(ctx, []float32{1, 0, 0}, Person{ID: "p"}, true); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("dimension mismatch: got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.SaveEmbeddingWithFeedback(cancelled, []float32{1, 0}, Person{ID: "p"}, true); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled ctx: got %v", err)
	}
}

func TestAddEmbeddings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	vp, err := s.AddEmbeddings(ctx, [][]float32{axis(4, 1, -1, 0), nil, axis(4, 1, 2, 0.1)}, Person{ID: "p", Name: "Vera"})
	if err != nil {
		t.Fatal(err)
	}
	if vp.SampleCount != 2 || vp.ConfirmedCount != 2 {
		t.Errorf("got samples=%d confirmed=%d, want 2/2", vp.SampleCount, vp.ConfirmedCount)
	}
	if vp.Confidence <= 0 || vp.Confidence > 1 {
		t.Errorf("confidence %v out of (0,1]", vp.Confidence)
	}

	if _, err := s.AddEmbeddings(ctx, [][]float32{nil}, Person{ID: "p"}); !errors.Is(err, ErrEmptyEmbedding) {
		t.Errorf("all-empty input: got %v", err)
	}
}

func TestSampleWindowBounded(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxSamples = 3
	s, err := NewStore(t.TempDir(), cfg, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := s.SaveEmbeddingWithFeedback(ctx, axis(4, 0, 1, float32(i)/10), Person{ID: "p"}, false); err != nil {
			t.Fatal(err)
		}
	}
	vp, _ := s.GetByPerson("p")
	if len(vp.Samples) != 3 {
		t.Errorf("stored samples = %d, want 3", len(vp.Samples))
	}
	if vp.SampleCount != 5 {
		t.Errorf("SampleCount = %d, want 5", vp.SampleCount)
	}
}

func TestCentroid_IgnoresEmbeddingScale(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := Person{ID: "p", Name: "Olga"}

	for i := 0; i < 10; i++ {
		if err := s.SaveEmbeddingWithFeedback(ctx, []float32{20, 0}, p, true); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveEmbeddingWithFeedback(ctx, []float32{0, 20}, p, true); err != nil {
		t.Fatal(err)
	}

	vp, err := s.GetByPerson("p")
	if err != nil {
		t.Fatal(err)
	}
	// Ten parts history to one part new sample, whatever the raw magnitude.
	want := Normalize([]float32{10, 1})
	for i := range want {
		if math.Abs(float64(vp.Centroid[i]-want[i])) > 1e-3 {
			t.Fatalf("centroid = %v, want %v", vp.Centroid, want)
		}
	}
	if sim := CosineSimilarity(vp.Centroid, []float32{1, 0}); sim < 0.99 {
		t.Errorf("one outlier moved the print too far: similarity to history %.3f", sim)
	}
}

func TestStore_PersistAndReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewStore(dir, DefaultConfig(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveEmbeddingWithFeedback(ctx, axis(4, 2, -1, 0), Person{ID: "p", Name: "Gleb"}, true); err != nil {
		t.Fatal(err)
	}
	vp, _ := s.GetByPerson("p")
	if err := s.Rename(vp.ID, "Gleb S."); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewStore(dir, DefaultConfig(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	got, err := reloaded.Get(vp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Gleb S." || got.SampleCount != 1 || got.PersonID != "p" {
		t.Errorf("reloaded print = %+v", got)
	}
}

func TestStore_RollbackOnSaveFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewStore(dir, DefaultConfig(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveEmbeddingWithFeedback(ctx, axis(4, 0, -1, 0), Person{ID: "p"}, true); err != nil {
		t.Fatal(err)
	}

	// A directory where the temp file should go makes the write fail.
	if err := os.Mkdir(s.Path()+".tmp", 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.Path()+".tmp", "x"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := s.SaveEmbeddingWithFeedback(ctx, axis(4, 1, -1, 0), Person{ID: "p"}, true); err == nil {
		t.Fatal("expected save failure")
	}
	vp, _ := s.GetByPerson("p")
	if vp.SampleCount != 1 {
		t.Errorf("SampleCount = %d after failed save, want 1", vp.SampleCount)
	}

	if _, err := s.AddEmbeddings(ctx, [][]float32{axis(4, 3, -1, 0)}, Person{ID: "q"}); err == nil {
		t.Fatal("expected save failure for new print")
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d after failed create, want 1", s.Count())
	}
}

func TestStore_MigratesVersion1(t *testing.T) {
	dir := t.TempDir()
	legacy := `{"version":1,"voiceprints":[{"id":"11111111-aaaa","name":"Ivan","embedding":[1,0,0],"seenCount":3}]}`
	if err := os.WriteFile(filepath.Join(dir, "speakers.json"), []byte(legacy), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := NewStore(dir, DefaultConfig(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	vp, err := s.GetByPerson("11111111-aaaa")
	if err != nil {
		t.Fatal(err)
	}
	if vp.SampleCount != 3 || vp.AutoCount != 3 || len(vp.Centroid) != 3 {
		t.Errorf("migrated print = %+v", vp)
	}
	if m, ok := s.FindMatchingPerson(context.Background(), []float32{1, 0, 0}); !ok || m.Person().Name != "Ivan" {
		t.Errorf("migrated print should match, got %+v ok=%v", m, ok)
	}
}

func TestStore_ShortLegacyID(t *testing.T) {
	dir := t.TempDir()
	legacy := `{"version":1,"voiceprints":[{"id":"v1","name":"Ira","embedding":[1,0,0],"seenCount":1}]}`
	if err := os.WriteFile(filepath.Join(dir, "speakers.json"), []byte(legacy), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(dir, DefaultConfig(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveEmbeddingWithFeedback(context.Background(), []float32{1, 0.1, 0}, Person{ID: "v1"}, true); err != nil {
		t.Fatal(err)
	}
	vp, err := s.GetByPerson("v1")
	if err != nil {
		t.Fatal(err)
	}
	if vp.ID != "v1" || vp.SampleCount != 2 {
		t.Errorf("print = %+v", vp)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.SaveEmbeddingWithFeedback(ctx, axis(4, 0, -1, 0), Person{ID: "p"}, true); err != nil {
		t.Fatal(err)
	}
	vp, _ := s.GetByPerson("p")
	if err := s.Delete(vp.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(vp.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("Count = %d", s.Count())
	}
}
