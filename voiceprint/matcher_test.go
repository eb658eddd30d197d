package voiceprint

import (
	"context"
	"testing"
)

func seed(t *testing.T, s *Store, id, name string, emb []float32) {
	t.Helper()
	if err := s.SaveEmbeddingWithFeedback(context.Background(), emb, Person{ID: id, Name: name}, true); err != nil {
		t.Fatal(err)
	}
}

func TestMatchToAttendees_OnePersonPerSpeaker(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "anna", "Anna", axis(6, 0, -1, 0))
	seed(t, s, "boris", "Boris", axis(6, 2, -1, 0))

	got := s.MatchToAttendees(context.Background(), map[int][]float32{
		0: axis(6, 0, 1, 0.1),
		1: axis(6, 0, 1, 0.3), // also closest to Anna, but less so
		2: axis(6, 2, 3, 0.1),
	}, nil)

	if m, ok := got[0]; !ok || m.Person().ID != "anna" {
		t.Errorf("speaker 0 = %+v, want anna", got[0])
	}
	if _, ok := got[1]; ok {
		t.Errorf("speaker 1 must stay unassigned, Anna is taken: %+v", got[1])
	}
	if m, ok := got[2]; !ok || m.Person().ID != "boris" {
		t.Errorf("speaker 2 = %+v, want boris", got[2])
	}
}

func TestMatchToAttendees_AttendeePrior(t *testing.T) {
	s := newTestStore(t)
	// Two prints at nearly the same angle from the query.
	seed(t, s, "anna", "Anna", axis(4, 0, 1, 0.30))
	seed(t, s, "vera", "Vera", axis(4, 0, 2, 0.32))
	query := axis(4, 0, -1, 0)

	without := s.MatchToAttendees(context.Background(), map[int][]float32{0: query}, nil)
	if without[0].Person().ID != "anna" {
		t.Fatalf("without prior got %q, want anna", without[0].Person().ID)
	}

	with := s.MatchToAttendees(context.Background(), map[int][]float32{0: query}, []string{"  vera "})
	if with[0].Person().ID != "vera" {
		t.Errorf("with attendee prior got %q, want vera", with[0].Person().ID)
	}
}

func TestMatchToAttendees_PriorIsNotAFilter(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "anna", "Anna", axis(4, 0, -1, 0))

	got := s.MatchToAttendees(context.Background(), map[int][]float32{0: axis(4, 0, -1, 0)}, []string{"Somebody Else"})
	if got[0].Person().ID != "anna" {
		t.Errorf("non-attendee strong match should still be assigned, got %+v", got)
	}
}

func TestMatchToAttendees_BelowThreshold(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "anna", "Anna", axis(4, 0, -1, 0))

	// cos = 0.6: above ThresholdMin but below AcceptThreshold, even with bonus.
	got := s.MatchToAttendees(context.Background(), map[int][]float32{0: {0.6, 0.8, 0, 0}}, []string{"Anna"})
	if len(got) != 0 {
		t.Errorf("got %+v, want no assignment", got)
	}
}
