package diarization

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"whonext/voiceprint"
)

// ErrSessionStopped is returned by calls made after Stop.
var ErrSessionStopped = errors.New("diarization session stopped")

// Matcher looks up known voices. *voiceprint.Store implements it.
type Matcher interface {
	FindMatches(ctx context.Context, embedding []float32) ([]voiceprint.MatchResult, error)
}

// Learner persists voice samples. *voiceprint.Store implements it.
type Learner interface {
	SaveEmbeddingWithFeedback(ctx context.Context, embedding []float32, person voiceprint.Person, wasConfirmed bool) error
}

// SessionConfig tunes a session.
type SessionConfig struct {
	// AcceptThreshold is the similarity a lookup needs to auto-match a slot.
	AcceptThreshold float32 `yaml:"accept_threshold"`
	// AutoLearnThreshold is the slot confidence above which settled clean
	// embeddings are written back to the matched print during the meeting.
	AutoLearnThreshold float32 `yaml:"auto_learn_threshold"`
	// ActiveWindow marks a slot active when it spoke this recently.
	ActiveWindow time.Duration `yaml:"active_window"`
	// LookupTimeout bounds a single voice print lookup.
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	// FlushTimeout bounds how long Stop waits for queued voice learning.
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	// QueueSize is the segment/action queue depth.
	QueueSize int `yaml:"queue_size"`
	// LearnQueueSize is the pending voice learning depth; overflow is dropped.
	LearnQueueSize int `yaml:"learn_queue_size"`
}

// DefaultSessionConfig returns the stock settings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		AcceptThreshold:    voiceprint.ThresholdMedium,
		AutoLearnThreshold: voiceprint.ThresholdHigh,
		ActiveWindow:       3 * time.Second,
		LookupTimeout:      2 * time.Second,
		FlushTimeout:       3 * time.Second,
		QueueSize:          256,
		LearnQueueSize:     64,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	def := DefaultSessionConfig()
	if c.AcceptThreshold <= 0 {
		c.AcceptThreshold = def.AcceptThreshold
	}
	if c.AutoLearnThreshold <= 0 {
		c.AutoLearnThreshold = def.AutoLearnThreshold
	}
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = def.ActiveWindow
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = def.LookupTimeout
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = def.FlushTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.LearnQueueSize <= 0 {
		c.LearnQueueSize = def.LearnQueueSize
	}
	return c
}

// SessionDeps are the collaborators of a session. Matcher and Learner may
// be nil: without a matcher slots stay unnamed, without a learner nothing
// is written during the meeting.
type SessionDeps struct {
	Detector *OverlapDetector
	Matcher  Matcher
	Learner  Learner
	Logger   *logrus.Logger
}

type learnJob struct {
	embedding []float32
	person    voiceprint.Person
	speaker   SpeakerID
}

// Session is the per-meeting speaker tracker. All slot state is owned by one
// goroutine; Submit and the user actions only enqueue work, so callers on
// the audio side never wait on voice print lookups.
type Session struct {
	id       string
	cfg      SessionConfig
	detector *OverlapDetector
	matcher  Matcher
	learner  Learner
	log      *logrus.Entry

	// mu guards stopped and makes sends on ops safe against close.
	mu      sync.RWMutex
	stopped bool
	ops     chan func()
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the loop goroutine.
	segments     *SegmentLog
	participants []*Participant
	bySlot       map[SpeakerID]*Participant
	byEngine     map[SpeakerID]SpeakerID
	sums         map[SpeakerID]*embeddingSum
	counted      map[SegmentRef]bool
	pending      []SegmentRef
	position     float64
	current      SpeakerID
	hasCurrent   bool

	learnQ      chan learnJob
	learnCtx    context.Context
	learnCancel context.CancelFunc
	learnDone   chan struct{}
	learned     atomic.Int64
	discarded   atomic.Int64

	snap     atomic.Pointer[Snapshot]
	onUpdate atomic.Pointer[func(Snapshot)]

	startedAt time.Time
	stopOnce  sync.Once
	result    *Result
}

// NewSession starts a session. The detector is shared with the audio path;
// when nil a detector with default thresholds is created.
func NewSession(id string, cfg SessionConfig, deps SessionDeps) *Session {
	cfg = cfg.withDefaults()
	if deps.Detector == nil {
		deps.Detector = NewOverlapDetector(OverlapConfig{})
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	learnCtx, learnCancel := context.WithCancel(context.Background())

	s := &Session{
		id:          id,
		cfg:         cfg,
		detector:    deps.Detector,
		matcher:     deps.Matcher,
		learner:     deps.Learner,
		log:         deps.Logger.WithFields(logrus.Fields{"component": "diarization", "session": id}),
		ops:         make(chan func(), cfg.QueueSize),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		segments:    NewSegmentLog(),
		bySlot:      make(map[SpeakerID]*Participant),
		byEngine:    make(map[SpeakerID]SpeakerID),
		sums:        make(map[SpeakerID]*embeddingSum),
		counted:     make(map[SegmentRef]bool),
		learnQ:      make(chan learnJob, cfg.LearnQueueSize),
		learnCtx:    learnCtx,
		learnCancel: learnCancel,
		learnDone:   make(chan struct{}),
		startedAt:   time.Now(),
	}
	s.publish()

	go s.loop()
	go s.learnWorker()
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Detector returns the overlap detector the session gates learning with.
func (s *Session) Detector() *OverlapDetector {
	return s.detector
}

// Snapshot returns the latest published view. Safe from any goroutine.
func (s *Session) Snapshot() Snapshot {
	return *s.snap.Load()
}

// OnUpdate registers a callback invoked on the session goroutine after each
// published snapshot. It must not block or call back into the session
// synchronously.
func (s *Session) OnUpdate(fn func(Snapshot)) {
	if fn == nil {
		s.onUpdate.Store(nil)
		return
	}
	s.onUpdate.Store(&fn)
}

// Submit queues a segment from the diarization engine. Segments must be
// submitted in start-time order; Speaker, Overlapped and the identity
// fields are assigned by the session.
func (s *Session) Submit(ctx context.Context, seg Segment) error {
	return s.send(ctx, func() { s.ingest(seg) })
}

// ConfirmSpeaker links a slot to a person for the rest of the session.
func (s *Session) ConfirmSpeaker(ctx context.Context, id SpeakerID, personID, name string, isMe bool) error {
	return s.do(ctx, func() error {
		p, err := s.slot(id)
		if err != nil {
			return err
		}
		if err := p.confirm(personID, name, isMe); err != nil {
			return err
		}
		s.segments.Rename(id, personID, name)
		s.log.WithFields(logrus.Fields{"speaker": id, "name": name}).Info("Speaker confirmed")
		return nil
	})
}

// RejectMatch returns an auto-matched slot to unnamed; the rejected person
// is never suggested for that slot again.
func (s *Session) RejectMatch(ctx context.Context, id SpeakerID) error {
	return s.do(ctx, func() error {
		p, err := s.slot(id)
		if err != nil {
			return err
		}
		rejected, err := p.reject()
		if err != nil {
			return err
		}
		p.Rejected = append(p.Rejected, rejected)
		s.log.WithFields(logrus.Fields{"speaker": id, "person": rejected}).Info("Match rejected")
		return nil
	})
}

// MarkTranscriptOnly names a slot in the transcript without a person link.
func (s *Session) MarkTranscriptOnly(ctx context.Context, id SpeakerID, name string) error {
	return s.do(ctx, func() error {
		p, err := s.slot(id)
		if err != nil {
			return err
		}
		if err := p.transcriptOnly(name); err != nil {
			return err
		}
		s.segments.Rename(id, "", name)
		return nil
	})
}

// Stop drains queued segments, settles the remaining learning candidates
// and waits up to FlushTimeout (or ctx) for voice learning. Segments are
// never dropped; learning that does not finish in time is discarded.
// Repeated calls return the same result.
func (s *Session) Stop(ctx context.Context) *Result {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		close(s.ops)
		s.mu.Unlock()

		<-s.done

		timer := time.NewTimer(s.cfg.FlushTimeout)
		defer timer.Stop()
		select {
		case <-s.learnDone:
		case <-timer.C:
			s.log.Warn("Voice learning flush timed out, discarding the rest")
			s.learnCancel()
			<-s.learnDone
		case <-ctx.Done():
			s.learnCancel()
			<-s.learnDone
		}
		s.learnCancel()
		s.cancel()

		s.result.LearnedSamples = int(s.learned.Load())
		s.result.DiscardedSamples = int(s.discarded.Load())
		s.result.StoppedAt = time.Now()

		s.log.WithFields(logrus.Fields{
			"speakers":  len(s.result.Participants),
			"segments":  s.result.SegmentLog().Len(),
			"learned":   s.result.LearnedSamples,
			"discarded": s.result.DiscardedSamples,
		}).Info("Session stopped")
	})
	return s.result
}

func (s *Session) send(ctx context.Context, op func()) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrSessionStopped
	}
	select {
	case s.ops <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, func() {
		err := fn()
		if err == nil {
			s.publish()
		}
		reply <- err
	}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) loop() {
	defer close(s.done)
	for op := range s.ops {
		op()
	}

	for _, ref := range s.pending {
		s.settle(ref)
	}
	s.pending = nil
	close(s.learnQ)

	s.result = &Result{
		SessionID:    s.id,
		StartedAt:    s.startedAt,
		Participants: s.participants,
		Overlap:      s.detector.Stats(),
		log:          s.segments,
	}
	s.publish()
}

func (s *Session) slot(id SpeakerID) (*Participant, error) {
	p, ok := s.bySlot[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSpeaker, id)
	}
	return p, nil
}

// ingest processes one segment on the session goroutine.
func (s *Session) ingest(seg Segment) {
	slot, ok := s.byEngine[seg.EngineSpeaker]
	if !ok {
		slot = SpeakerID(len(s.participants) + 1)
		s.byEngine[seg.EngineSpeaker] = slot
		p := &Participant{Speaker: slot, EngineSpeaker: seg.EngineSpeaker, FirstSeen: seg.Start}
		s.participants = append(s.participants, p)
		s.bySlot[slot] = p
		s.sums[slot] = &embeddingSum{}
		s.log.WithFields(logrus.Fields{"speaker": slot, "engine": seg.EngineSpeaker}).Debug("New speaker")
	}
	p := s.bySlot[slot]

	seg.Speaker = slot
	seg.Overlapped = false
	seg.PersonID, seg.Name = "", ""
	if p.Terminal() {
		seg.PersonID, seg.Name = p.PersonID, p.Name
	}

	// Pending segments that end before this one starts can no longer be
	// overlapped by anything that arrives later.
	remaining := s.pending[:0]
	for _, ref := range s.pending {
		if s.segments.Get(ref).End <= seg.Start {
			s.settle(ref)
		} else {
			remaining = append(remaining, ref)
		}
	}
	s.pending = remaining

	ref := s.segments.Append(seg)
	cur := s.segments.At(ref)
	for _, other := range s.pending {
		o := s.segments.At(other)
		if o.Speaker == slot {
			continue
		}
		if !s.detector.HasOverlapInRange([]TimedSpan{o.Span(), cur.Span()}, cur.Start, cur.End) {
			continue
		}
		cur.Overlapped = true
		if !o.Overlapped {
			s.markOverlapped(other)
		}
	}
	s.pending = append(s.pending, ref)

	p.TotalSpeakingTime += seg.Duration()
	p.SegmentCount++
	p.LastSeen = max(p.LastSeen, seg.End)
	if cur.Overlapped {
		p.OverlappedSegments++
	} else if s.sums[slot].add(seg.Embedding) {
		s.counted[ref] = true
		s.refreshAverage(p)
	}

	if !p.Terminal() && s.matcher != nil {
		query := p.AverageEmbedding
		if len(query) == 0 && !cur.Overlapped {
			query = seg.Embedding
		}
		if len(query) > 0 {
			s.tryMatch(p, query)
		}
	}

	s.position = max(s.position, seg.End)
	s.current, s.hasCurrent = slot, true
	s.publish()
}

// markOverlapped flags an earlier segment after the fact and takes its
// embedding back out of the slot average.
func (s *Session) markOverlapped(ref SegmentRef) {
	seg := s.segments.At(ref)
	seg.Overlapped = true
	p := s.bySlot[seg.Speaker]
	p.OverlappedSegments++
	if s.counted[ref] {
		s.sums[seg.Speaker].remove(seg.Embedding)
		delete(s.counted, ref)
		s.refreshAverage(p)
	}
}

func (s *Session) refreshAverage(p *Participant) {
	sum := s.sums[p.Speaker]
	p.AverageEmbedding = sum.mean()
	p.EmbeddingSamples = sum.n
}

func (s *Session) tryMatch(p *Participant, query []float32) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.LookupTimeout)
	matches, err := s.matcher.FindMatches(ctx, query)
	cancel()
	if err != nil {
		s.log.WithError(err).WithField("speaker", p.Speaker).Warn("Voice print lookup failed")
		return
	}

	for _, m := range matches {
		if m.Similarity < s.cfg.AcceptThreshold {
			return
		}
		person := m.Person()
		if person.ID == "" || p.isRejected(person.ID) {
			continue
		}
		conf := float64(m.Similarity)
		switch {
		case p.State == StateAutoMatched && p.PersonID == person.ID:
			p.Confidence = conf
		case p.State == StateUnnamed || conf > p.Confidence:
			p.autoMatch(person.ID, person.Name, conf)
			s.log.WithFields(logrus.Fields{
				"speaker":    p.Speaker,
				"name":       person.Name,
				"similarity": fmt.Sprintf("%.2f", conf),
			}).Info("Speaker auto-matched")
		}
		return
	}
}

// settle queues a clean embedding of a confidently auto-matched slot for
// voice learning.
func (s *Session) settle(ref SegmentRef) {
	seg := s.segments.Get(ref)
	if seg.Overlapped || len(seg.Embedding) == 0 || s.learner == nil {
		return
	}
	p := s.bySlot[seg.Speaker]
	if p.State != StateAutoMatched || p.Confidence < float64(s.cfg.AutoLearnThreshold) {
		return
	}

	job := learnJob{
		embedding: seg.Embedding,
		person:    voiceprint.Person{ID: p.PersonID, Name: p.Name},
		speaker:   p.Speaker,
	}
	select {
	case s.learnQ <- job:
	default:
		s.discarded.Add(1)
		s.log.WithField("speaker", p.Speaker).Warn("Voice learning queue full, sample dropped")
	}
}

func (s *Session) learnWorker() {
	defer close(s.learnDone)
	for job := range s.learnQ {
		if s.learnCtx.Err() != nil {
			s.discarded.Add(1)
			continue
		}
		if err := s.learner.SaveEmbeddingWithFeedback(s.learnCtx, job.embedding, job.person, false); err != nil {
			s.discarded.Add(1)
			s.log.WithError(err).WithField("speaker", job.speaker).Warn("Voice learning failed")
			continue
		}
		s.learned.Add(1)
	}
}

func (s *Session) publish() {
	window := s.cfg.ActiveWindow.Seconds()
	snap := Snapshot{
		SessionID:      s.id,
		Speakers:       make([]SpeakerStatus, 0, len(s.participants)),
		CurrentSpeaker: s.current,
		HasCurrent:     s.hasCurrent,
		Position:       s.position,
		Segments:       s.segments.Len(),
		Overlap:        s.detector.Stats(),
		UpdatedAt:      time.Now(),
	}
	for _, p := range s.participants {
		snap.Speakers = append(snap.Speakers, statusOf(p, s.position, window))
	}
	s.snap.Store(&snap)

	if fn := s.onUpdate.Load(); fn != nil {
		(*fn)(snap)
	}
}
