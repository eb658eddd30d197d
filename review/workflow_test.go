package review

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"whonext/contacts"
	"whonext/diarization"
	"whonext/voiceprint"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// meeting builds a finished result with three slots: 1 unnamed with voice,
// 2 auto-matched to Anna with voice, 3 unnamed without voice.
func meeting(t *testing.T, annaID string) *diarization.Result {
	t.Helper()
	raw := `{
		"sessionId": "m1",
		"participants": [
			{"speaker": 1, "state": "unnamed", "averageEmbedding": [0, 1, 0], "embeddingSamples": 2, "totalSpeakingTime": 40, "segmentCount": 2},
			{"speaker": 2, "state": "autoMatched", "personId": "` + annaID + `", "name": "Anna", "confidence": 0.91,
			 "averageEmbedding": [1, 0, 0], "embeddingSamples": 1, "totalSpeakingTime": 10, "segmentCount": 1},
			{"speaker": 3, "state": "unnamed", "totalSpeakingTime": 5, "segmentCount": 1}
		],
		"segments": [
			{"speaker": 1, "start": 0, "end": 20},
			{"speaker": 2, "start": 20, "end": 30},
			{"speaker": 1, "start": 30, "end": 50},
			{"speaker": 3, "start": 50, "end": 55}
		]
	}`
	var r diarization.Result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatal(err)
	}
	return &r
}

type fixture struct {
	store  *voiceprint.Store
	people *contacts.MemoryDirectory
	anna   contacts.Person
	boris  contacts.Person
	wf     *Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := voiceprint.NewStore(t.TempDir(), voiceprint.DefaultConfig(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	people := contacts.NewMemoryDirectory()
	anna, _ := people.Create(ctx, "Anna", "")
	boris, _ := people.Create(ctx, "Boris", "")

	if err := store.SaveEmbeddingWithFeedback(ctx, []float32{1, 0, 0}, voiceprint.Person{ID: anna.ID, Name: anna.Name}, true); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveEmbeddingWithFeedback(ctx, []float32{0, 0.95, 0.1}, voiceprint.Person{ID: boris.ID, Name: boris.Name}, true); err != nil {
		t.Fatal(err)
	}

	return &fixture{
		store:  store,
		people: people,
		anna:   anna,
		boris:  boris,
		wf:     New(meeting(t, anna.ID), store, people, quietLogger()),
	}
}

func TestSuggest_UsesVoiceStore(t *testing.T) {
	f := newFixture(t)
	items := f.wf.Suggest(context.Background(), []string{"Boris"})

	if len(items) != 3 {
		t.Fatalf("pending = %d, want 3", len(items))
	}
	if s := items[0].Suggestion; s == nil || s.PersonID != f.boris.ID {
		t.Errorf("slot 1 suggestion = %+v, want Boris", s)
	}
	if s := items[1].Suggestion; s == nil || s.PersonID != f.anna.ID {
		t.Errorf("slot 2 keeps its live suggestion, got %+v", s)
	}
	if items[2].Suggestion != nil || items[2].HasEmbedding {
		t.Errorf("slot 3 has no voice, got %+v", items[2])
	}
}

func TestResolve_AcceptLearnsConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, _ := f.store.GetByPerson(f.anna.ID)
	out, err := f.wf.Resolve(ctx, Decision{Speaker: 2, Action: AcceptSuggestion})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Learned || out.LearningErr != nil || out.Person.ID != f.anna.ID {
		t.Errorf("outcome = %+v", out)
	}
	after, _ := f.store.GetByPerson(f.anna.ID)
	if after.SampleCount != before.SampleCount+1 || after.ConfirmedCount != before.ConfirmedCount+1 {
		t.Errorf("print counts %d/%d -> %d/%d", before.SampleCount, before.ConfirmedCount, after.SampleCount, after.ConfirmedCount)
	}
	if after.Confidence < before.Confidence {
		t.Errorf("confirmed sample lowered confidence %v -> %v", before.Confidence, after.Confidence)
	}

	for _, s := range f.wf.Result().Segments() {
		if s.Speaker == 2 && s.PersonID != f.anna.ID {
			t.Errorf("segment not linked: %+v", s)
		}
	}

	if _, err := f.wf.Resolve(ctx, Decision{Speaker: 2, Action: TranscriptOnly}); !errors.Is(err, diarization.ErrTerminalState) {
		t.Errorf("resolving twice: %v", err)
	}
}

func TestResolve_LinkOtherRejectsSuggestion(t *testing.T) {
	f := newFixture(t)
	out, err := f.wf.Resolve(context.Background(), Decision{Speaker: 2, Action: LinkExisting, PersonID: f.boris.ID})
	if err != nil {
		t.Fatal(err)
	}
	p := f.wf.Result().Participant(2)
	if p.State != diarization.StateConfirmed || p.PersonID != f.boris.ID {
		t.Errorf("slot = %+v", p)
	}
	if len(p.Rejected) != 1 || p.Rejected[0] != f.anna.ID {
		t.Errorf("rejected = %v, want Anna", p.Rejected)
	}
	if out.Person.Name != "Boris" {
		t.Errorf("outcome person = %+v", out.Person)
	}
}

func TestResolve_CreatePersonAndMe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.wf.Resolve(ctx, Decision{Speaker: 1, Action: CreatePerson, Name: "Vera"})
	if err != nil {
		t.Fatal(err)
	}
	vp, err := f.store.GetByPerson(out.Person.ID)
	if err != nil {
		t.Fatalf("new person has no print: %v", err)
	}
	if vp.ConfirmedCount != 1 || vp.Name != "Vera" {
		t.Errorf("new print = %+v", vp)
	}

	// No voice data: naming still works, nothing is learned.
	out, err = f.wf.Resolve(ctx, Decision{Speaker: 3, Action: ThisIsMe})
	if err != nil {
		t.Fatal(err)
	}
	if out.Learned || !out.Person.IsMe {
		t.Errorf("outcome = %+v", out)
	}
	if p := f.wf.Result().Participant(3); !p.IsMe || p.State != diarization.StateConfirmed {
		t.Errorf("slot 3 = %+v", p)
	}
}

func TestResolve_TranscriptOnly(t *testing.T) {
	f := newFixture(t)
	count := f.store.Count()

	out, err := f.wf.Resolve(context.Background(), Decision{Speaker: 1, Action: TranscriptOnly, Name: "Guest"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Learned || out.Person.ID != "" {
		t.Errorf("transcript-only outcome = %+v", out)
	}
	if f.store.Count() != count {
		t.Error("transcript-only must not touch voice prints")
	}
	if p := f.wf.Result().Participant(1); p.DisplayName() != "Guest" {
		t.Errorf("display name = %q", p.DisplayName())
	}
}

func TestResolve_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.wf.Resolve(ctx, Decision{Speaker: 9, Action: ThisIsMe}); !errors.Is(err, diarization.ErrUnknownSpeaker) {
		t.Errorf("unknown speaker: %v", err)
	}
	if _, err := f.wf.Resolve(ctx, Decision{Speaker: 1, Action: AcceptSuggestion}); !errors.Is(err, diarization.ErrInvalidTransition) {
		t.Errorf("accept without suggestion: %v", err)
	}
	if _, err := f.wf.Resolve(ctx, Decision{Speaker: 1, Action: LinkExisting, PersonID: "nobody"}); !errors.Is(err, contacts.ErrNotFound) {
		t.Errorf("link unknown person: %v", err)
	}
	if p := f.wf.Result().Participant(1); p.State != diarization.StateUnnamed {
		t.Errorf("failed decisions must leave the slot alone, got %v", p.State)
	}
}

type failingVoices struct{}

func (failingVoices) SaveEmbeddingWithFeedback(context.Context, []float32, voiceprint.Person, bool) error {
	return errors.New("disk full")
}

func (failingVoices) AddEmbeddings(context.Context, [][]float32, voiceprint.Person) (*voiceprint.VoicePrint, error) {
	return nil, errors.New("disk full")
}

func (failingVoices) MatchToAttendees(context.Context, map[int][]float32, []string) map[int]voiceprint.MatchResult {
	return nil
}

func TestResolve_LearningFailureDoesNotBlockNaming(t *testing.T) {
	people := contacts.NewMemoryDirectory()
	anna, _ := people.Create(context.Background(), "Anna", "")
	wf := New(meeting(t, anna.ID), failingVoices{}, people, quietLogger())

	out, err := wf.Resolve(context.Background(), Decision{Speaker: 2, Action: AcceptSuggestion})
	if err != nil {
		t.Fatalf("naming failed: %v", err)
	}
	if out.LearningErr == nil || out.Learned {
		t.Errorf("outcome = %+v, want a learning error", out)
	}
	if wf.Result().Participant(2).State != diarization.StateConfirmed {
		t.Error("slot should be confirmed despite the learning failure")
	}
}

func TestLearnConfirmed_LiveConfirmedSlot(t *testing.T) {
	ctx := context.Background()
	store, err := voiceprint.NewStore(t.TempDir(), voiceprint.DefaultConfig(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	people := contacts.NewMemoryDirectory()
	alice, _ := people.Create(ctx, "Alice", "")

	sess := diarization.NewSession("live", diarization.SessionConfig{}, diarization.SessionDeps{Logger: quietLogger()})
	if err := sess.Submit(ctx, diarization.Segment{Start: 0, End: 3, Embedding: []float32{1, 0, 0}}); err != nil {
		t.Fatal(err)
	}
	if err := sess.ConfirmSpeaker(ctx, 1, alice.ID, alice.Name, false); err != nil {
		t.Fatal(err)
	}
	result := sess.Stop(ctx)

	wf := New(result, store, people, quietLogger())
	if pending := wf.Pending(); len(pending) != 0 {
		t.Fatalf("pending = %+v, live confirmation is final", pending)
	}

	outs := wf.LearnConfirmed(ctx)
	if len(outs) != 1 || !outs[0].Learned || outs[0].Person.ID != alice.ID {
		t.Fatalf("outcomes = %+v", outs)
	}
	vp, err := store.GetByPerson(alice.ID)
	if err != nil {
		t.Fatalf("print not created: %v", err)
	}
	if vp.ConfirmedCount != 1 || vp.SampleCount != 1 {
		t.Errorf("print counts = %d/%d, want 1/1", vp.SampleCount, vp.ConfirmedCount)
	}

	// The flag survives persistence and stops a second write.
	data, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	var reloaded diarization.Result
	if err := json.Unmarshal(data, &reloaded); err != nil {
		t.Fatal(err)
	}
	if outs := New(&reloaded, store, people, quietLogger()).LearnConfirmed(ctx); len(outs) != 0 {
		t.Errorf("learned twice: %+v", outs)
	}
	if vp, _ := store.GetByPerson(alice.ID); vp.SampleCount != 1 {
		t.Errorf("sample count = %d after reload, want 1", vp.SampleCount)
	}
}

func TestLearnConfirmed_FailureRetries(t *testing.T) {
	ctx := context.Background()
	r := meeting(t, "anna")
	if err := r.Confirm(1, "vera", "Vera", false); err != nil {
		t.Fatal(err)
	}

	outs := New(r, failingVoices{}, nil, quietLogger()).LearnConfirmed(ctx)
	if len(outs) != 1 || outs[0].LearningErr == nil {
		t.Fatalf("outcomes = %+v", outs)
	}
	if r.Participant(1).Learned {
		t.Error("failed write must leave the slot unlearned")
	}
}

func TestResolve_AddsCleanSegmentEmbeddings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := `{
		"sessionId": "m2",
		"participants": [
			{"speaker": 1, "state": "unnamed", "averageEmbedding": [0, 1, 0], "embeddingSamples": 3, "totalSpeakingTime": 9, "segmentCount": 4}
		],
		"segments": [
			{"speaker": 1, "start": 0, "end": 2, "embedding": [0, 1, 0]},
			{"speaker": 1, "start": 2, "end": 5, "embedding": [0, 0.9, 0.1]},
			{"speaker": 1, "start": 5, "end": 6, "embedding": [1, 0, 0], "overlapped": true},
			{"speaker": 1, "start": 6, "end": 9, "embedding": [0, 1, 0.1]}
		]
	}`
	var r diarization.Result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatal(err)
	}

	before, _ := f.store.GetByPerson(f.boris.ID)
	out, err := New(&r, f.store, f.people, quietLogger()).Resolve(ctx, Decision{Speaker: 1, Action: LinkExisting, PersonID: f.boris.ID})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Learned || !r.Participant(1).Learned {
		t.Errorf("outcome = %+v", out)
	}
	after, _ := f.store.GetByPerson(f.boris.ID)
	if got := after.ConfirmedCount - before.ConfirmedCount; got != 3 {
		t.Errorf("confirmed samples added = %d, want 3 clean segments", got)
	}
}

func TestAutoApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wf.Suggest(ctx, nil)

	outs, err := f.wf.AutoApply(ctx, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	// Anna at 0.91 qualifies; Boris (~0.99) too.
	if len(outs) != 2 {
		t.Fatalf("applied %d, want 2: %+v", len(outs), outs)
	}
	if pending := f.wf.Pending(); len(pending) != 1 || pending[0].Speaker != 3 {
		t.Errorf("pending = %+v", pending)
	}
}

type fakeClips struct{}

func (fakeClips) Clip(_ context.Context, seg diarization.Segment) ([]float32, int, error) {
	n := int((seg.End - seg.Start) * 100)
	return make([]float32, n), 100, nil
}

type fakeSamples struct {
	store *voiceprint.Store
	saved map[string]int
}

func (s *fakeSamples) GetByPerson(id string) (*voiceprint.VoicePrint, error) {
	return s.store.GetByPerson(id)
}

func (s *fakeSamples) SaveSample(id string, samples []float32, _ int) (string, error) {
	s.saved[id] = len(samples)
	return "/clips/" + id + ".mp3", nil
}

func TestResolve_SavesLongestCleanClip(t *testing.T) {
	f := newFixture(t)
	samples := &fakeSamples{store: f.store, saved: map[string]int{}}
	wf := New(f.wf.Result(), f.store, f.people, quietLogger(), WithClips(fakeClips{}, samples))

	out, err := wf.Resolve(context.Background(), Decision{Speaker: 1, Action: LinkExisting, PersonID: f.boris.ID})
	if err != nil {
		t.Fatal(err)
	}
	vp, _ := f.store.GetByPerson(f.boris.ID)
	if out.SamplePath != "/clips/"+vp.ID+".mp3" {
		t.Errorf("sample path = %q", out.SamplePath)
	}
	if samples.saved[vp.ID] != 2000 {
		t.Errorf("clip length = %d, want 2000 (20s segment)", samples.saved[vp.ID])
	}
}

func TestParseAction(t *testing.T) {
	for a := AcceptSuggestion; a <= TranscriptOnly; a++ {
		got, err := ParseAction(a.String())
		if err != nil || got != a {
			t.Errorf("ParseAction(%q) = %v, %v", a.String(), got, err)
		}
	}
	if _, err := ParseAction("bogus"); err == nil {
		t.Error("expected error")
	}
}
