// Package service wires capture, the diarization engine, the speaker
// session and meeting storage into the recording workflow.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"whonext/audio"
	"whonext/diarization"
	"whonext/review"
)

// ErrAlreadyRecording and ErrNotRecording guard Start/Stop.
var (
	ErrAlreadyRecording = errors.New("recording already active")
	ErrNotRecording     = errors.New("no active recording")
)

// AudioSource is the dual-stream capture device.
type AudioSource interface {
	Start() error
	Stop() error
	Data() <-chan audio.ChannelData
	SampleRate() int
	SystemEnabled() bool
	ClearBuffers()
}

// Engine turns mono audio chunks into speaker segments in meeting time.
type Engine interface {
	Process(samples []float32, offset float64) ([]diarization.Segment, error)
	SampleRate() int
	Reset()
}

// VoiceStore is the voice print store as the live session and the
// finishing review use it.
type VoiceStore interface {
	diarization.Matcher
	review.VoiceStore
}

const defaultChunk = 10 * time.Second

// RecordingConfig tunes the live pipeline.
type RecordingConfig struct {
	Overlap       diarization.OverlapConfig
	Session       diarization.SessionConfig
	ChunkDuration time.Duration
	// ChunkQueue is how many engine chunks may wait; overflow is dropped
	// and reported in Result.Gaps.
	ChunkQueue int
}

// AudioLevelCallback receives levels and the overlap flag every 100 ms.
type AudioLevelCallback func(micLevel, systemLevel float64, overlapping bool)

// RecordingService runs at most one live recording at a time.
type RecordingService struct {
	cfg      RecordingConfig
	capture  AudioSource
	engine   Engine
	voices   VoiceStore
	meetings *MeetingStore
	logger   *logrus.Logger
	log      *logrus.Entry

	mu     sync.Mutex
	active *recording

	OnAudioLevel AudioLevelCallback
	// OnSessionStart is called with every new live session, before audio
	// flows, so listeners can subscribe to snapshots.
	OnSessionStart func(*diarization.Session)
}

// recording is the state of one live meeting.
type recording struct {
	meeting   *Meeting
	session   *diarization.Session
	writer    *recordingWriter
	resampler *audio.Resampler

	stop       chan struct{}
	chunks     chan chunk
	audioDone  chan struct{}
	engineDone chan struct{}

	// Owned by the audio goroutine.
	buf          []float32
	offset       float64
	chunkSamples int
	levels       diarization.OverlapResult
	// dropped holds the chunks the engine queue had no room for.
	dropped []diarization.Gap
}

type chunk struct {
	samples []float32
	offset  float64
}

// NewRecordingService creates the service. voices may be nil.
func NewRecordingService(cfg RecordingConfig, capture AudioSource, engine Engine, voices VoiceStore, meetings *MeetingStore, logger *logrus.Logger) *RecordingService {
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = defaultChunk
	}
	if cfg.ChunkQueue <= 0 {
		cfg.ChunkQueue = 16
	}
	return &RecordingService{
		cfg:      cfg,
		capture:  capture,
		engine:   engine,
		voices:   voices,
		meetings: meetings,
		logger:   logger,
		log:      logger.WithField("component", "recording"),
	}
}

// Start opens a meeting, a live session and the capture devices.
func (s *RecordingService) Start(ctx context.Context, title string, attendees []string) (*Meeting, *diarization.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, nil, ErrAlreadyRecording
	}

	s.capture.ClearBuffers()

	meeting, err := s.meetings.Create(title, attendees)
	if err != nil {
		return nil, nil, err
	}
	audioPath, _ := s.meetings.AudioPath(meeting.ID)
	writer, err := newRecordingWriter(audioPath, s.capture.SampleRate(), s.logger)
	if err != nil {
		return nil, nil, err
	}
	resampler, err := audio.NewResampler(s.capture.SampleRate(), s.engine.SampleRate())
	if err != nil {
		writer.Close()
		return nil, nil, err
	}

	s.engine.Reset()
	deps := diarization.SessionDeps{
		Detector: diarization.NewOverlapDetector(s.cfg.Overlap),
		Logger:   s.logger,
	}
	if s.voices != nil {
		deps.Matcher = s.voices
		deps.Learner = s.voices
	}
	sess := diarization.NewSession(meeting.ID, s.cfg.Session, deps)
	if s.OnSessionStart != nil {
		s.OnSessionStart(sess)
	}

	rec := &recording{
		meeting:      meeting,
		session:      sess,
		writer:       writer,
		resampler:    resampler,
		stop:         make(chan struct{}),
		chunks:       make(chan chunk, s.cfg.ChunkQueue),
		audioDone:    make(chan struct{}),
		engineDone:   make(chan struct{}),
		chunkSamples: int(s.cfg.ChunkDuration.Seconds() * float64(s.engine.SampleRate())),
	}

	if err := s.capture.Start(); err != nil {
		sess.Stop(ctx)
		writer.Close()
		s.meetings.Finish(meeting, nil, s.capture.SampleRate(), 0)
		return nil, nil, fmt.Errorf("failed to start audio capture: %w", err)
	}

	s.active = rec
	go s.processAudio(rec)
	go s.processChunks(rec)

	s.log.WithFields(logrus.Fields{
		"meeting": meeting.ID,
		"system":  s.capture.SystemEnabled(),
		"chunk":   s.cfg.ChunkDuration,
	}).Info("Recording started")
	return meeting, sess, nil
}

// Stop ends the recording, drains the engine, stops the session and
// persists the result. Segments already captured are never dropped.
func (s *RecordingService) Stop(ctx context.Context) (*Meeting, *diarization.Result, error) {
	s.mu.Lock()
	rec := s.active
	s.active = nil
	s.mu.Unlock()
	if rec == nil {
		return nil, nil, ErrNotRecording
	}

	if err := s.capture.Stop(); err != nil {
		s.log.WithError(err).Warn("Capture stop failed")
	}
	close(rec.stop)
	<-rec.audioDone

	select {
	case <-rec.engineDone:
	case <-ctx.Done():
		s.log.Warn("Engine drain interrupted")
	}

	result := rec.session.Stop(ctx)
	if err := rec.writer.Close(); err != nil {
		s.log.WithError(err).Warn("Recording close failed")
	}
	// The audio goroutine is done, so dropped is stable.
	if len(rec.dropped) > 0 {
		var lost float64
		for _, g := range rec.dropped {
			result.AddGap(g.Start, g.End)
			lost += g.End - g.Start
		}
		s.log.WithFields(logrus.Fields{
			"chunks":  len(rec.dropped),
			"seconds": fmt.Sprintf("%.1f", lost),
		}).Warn("Engine fell behind, audio left undiarized")
	}

	s.learnConfirmed(ctx, rec.meeting, result)

	if err := s.meetings.Finish(rec.meeting, result, s.capture.SampleRate(), rec.writer.SamplesWritten()); err != nil {
		return rec.meeting, result, fmt.Errorf("persist meeting: %w", err)
	}
	s.log.WithField("meeting", rec.meeting.ID).Info("Recording stopped")
	return rec.meeting, result, nil
}

// learnConfirmed writes the speakers confirmed during the meeting to the
// voice print store. A meeting whose speakers were all confirmed live is
// stored as reviewed, so nothing would learn them later.
func (s *RecordingService) learnConfirmed(ctx context.Context, meeting *Meeting, result *diarization.Result) {
	if s.voices == nil || result == nil {
		return
	}
	var opts []review.Option
	if samples, ok := s.voices.(review.SampleStore); ok {
		if clips, err := s.meetings.Clips(meeting.ID); err == nil {
			opts = append(opts, review.WithClips(clips, samples))
		}
	}
	wf := review.New(result, s.voices, nil, s.logger, opts...)
	for _, out := range wf.LearnConfirmed(ctx) {
		if out.LearningErr != nil {
			s.log.WithError(out.LearningErr).WithField("speaker", out.Speaker).Warn("Voice not learned")
		}
	}
}

// Current returns the live session, or nil.
func (s *RecordingService) Current() *diarization.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return s.active.session
}

func (s *RecordingService) processAudio(rec *recording) {
	defer close(rec.audioDone)
	defer close(rec.chunks)

	pairer := audio.NewPairer(s.capture.SystemEnabled(), 8)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-rec.stop:
			s.drain(rec, pairer)
			for _, t := range pairer.Flush() {
				s.handleTick(rec, t)
			}
			s.emitChunk(rec, true)
			return

		case <-ticker.C:
			if s.OnAudioLevel != nil {
				s.OnAudioLevel(rec.levels.MicLevel, rec.levels.SystemLevel, rec.levels.IsOverlapping)
			}

		case data, ok := <-s.capture.Data():
			if !ok {
				<-rec.stop
				s.emitChunk(rec, true)
				return
			}
			for _, t := range pairer.Push(data) {
				s.handleTick(rec, t)
			}
		}
	}
}

// drain consumes buffers the device delivered before it was stopped.
func (s *RecordingService) drain(rec *recording, pairer *audio.Pairer) {
	for {
		select {
		case data, ok := <-s.capture.Data():
			if !ok {
				return
			}
			for _, t := range pairer.Push(data) {
				s.handleTick(rec, t)
			}
		default:
			return
		}
	}
}

// handleTick runs on the audio goroutine: overlap detection, the mixed
// recording and engine chunking. Nothing here waits on the session.
func (s *RecordingService) handleTick(rec *recording, t audio.Tick) {
	rec.levels = rec.session.Detector().DetectBuffers(t.Mic, t.System)

	mono := audio.Mix(t.Mic, t.System)
	if err := rec.writer.Write(mono); err != nil {
		s.log.WithError(err).Debug("Recording write failed")
	}

	resampled, err := rec.resampler.Process(mono)
	if err != nil {
		s.log.WithError(err).Warn("Resample failed")
		return
	}
	rec.buf = append(rec.buf, resampled...)
	if len(rec.buf) >= rec.chunkSamples {
		s.emitChunk(rec, false)
	}
}

// emitChunk hands the buffered audio to the engine goroutine. While
// recording a full queue drops the chunk and its time range is kept as a
// gap of the result; the final chunk always waits.
func (s *RecordingService) emitChunk(rec *recording, final bool) {
	if len(rec.buf) == 0 {
		return
	}
	c := chunk{samples: rec.buf, offset: rec.offset}
	rec.offset += float64(len(rec.buf)) / float64(rec.resampler.OutputRate())
	rec.buf = nil

	if final {
		rec.chunks <- c
		return
	}
	select {
	case rec.chunks <- c:
	default:
		rec.dropped = append(rec.dropped, diarization.Gap{Start: c.offset, End: rec.offset})
		s.log.WithField("offset", c.offset).Debug("Engine queue full, chunk dropped")
	}
}

func (s *RecordingService) processChunks(rec *recording) {
	defer close(rec.engineDone)
	for c := range rec.chunks {
		if err := submitChunk(context.Background(), s.engine, rec.session, c.samples, c.offset); err != nil {
			s.log.WithError(err).WithField("offset", c.offset).Warn("Chunk not diarized")
		}
	}
}

// submitChunk diarizes one chunk and feeds its segments to the session.
func submitChunk(ctx context.Context, engine Engine, sess *diarization.Session, samples []float32, offset float64) error {
	segs, err := engine.Process(samples, offset)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if err := sess.Submit(ctx, seg); err != nil {
			return err
		}
	}
	return nil
}
