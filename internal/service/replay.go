package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"whonext/audio"
	"whonext/diarization"
)

// Replayer runs a finished recording, or a stored segment list, through a
// fresh speaker session. Identical input gives identical slots, so it is
// how thresholds are tuned and sessions are reproduced.
type Replayer struct {
	cfg    RecordingConfig
	engine Engine
	voices VoiceStore
	logger *logrus.Logger
	log    *logrus.Entry
}

// NewReplayer creates a replayer. engine is only needed for ReplayAudio;
// voices may be nil.
func NewReplayer(cfg RecordingConfig, engine Engine, voices VoiceStore, logger *logrus.Logger) *Replayer {
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = defaultChunk
	}
	return &Replayer{
		cfg:    cfg,
		engine: engine,
		voices: voices,
		logger: logger,
		log:    logger.WithField("component", "replay"),
	}
}

func (r *Replayer) newSession(id string) *diarization.Session {
	if id == "" {
		id = uuid.New().String()
	}
	deps := diarization.SessionDeps{Logger: r.logger}
	if r.voices != nil {
		deps.Matcher = r.voices
		deps.Learner = r.voices
	}
	return diarization.NewSession(id, r.cfg.Session, deps)
}

// ReplayAudio diarizes mono samples chunk by chunk, exactly as a live
// recording would, and returns the stopped session's result.
func (r *Replayer) ReplayAudio(ctx context.Context, id string, samples []float32, sampleRate int) (*diarization.Result, error) {
	if r.engine == nil {
		return nil, fmt.Errorf("replay audio: no diarization engine")
	}
	rs, err := audio.NewResampler(sampleRate, r.engine.SampleRate())
	if err != nil {
		return nil, err
	}
	resampled, err := rs.Process(samples)
	if err != nil {
		return nil, err
	}

	r.engine.Reset()
	sess := r.newSession(id)
	rate := r.engine.SampleRate()
	step := int(r.cfg.ChunkDuration.Seconds() * float64(rate))

	for from := 0; from < len(resampled); from += step {
		if err := ctx.Err(); err != nil {
			sess.Stop(ctx)
			return nil, err
		}
		to := min(len(resampled), from+step)
		offset := float64(from) / float64(rate)
		if err := submitChunk(ctx, r.engine, sess, resampled[from:to], offset); err != nil {
			r.log.WithError(err).WithField("offset", offset).Warn("Chunk not diarized")
		}
	}
	return sess.Stop(ctx), nil
}

// ReplaySegments feeds stored engine segments to a new session. Session
// assigned fields are cleared first so the replay decides them afresh.
func (r *Replayer) ReplaySegments(ctx context.Context, id string, segs []diarization.Segment) (*diarization.Result, error) {
	ordered := make([]diarization.Segment, len(segs))
	copy(ordered, segs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	sess := r.newSession(id)
	for _, seg := range ordered {
		seg.Speaker = 0
		seg.Overlapped = false
		seg.PersonID = ""
		seg.Name = ""
		if err := sess.Submit(ctx, seg); err != nil {
			sess.Stop(ctx)
			return nil, err
		}
	}
	result := sess.Stop(ctx)
	r.log.WithFields(logrus.Fields{
		"segments": len(ordered),
		"speakers": len(result.Participants),
	}).Info("Segments replayed")
	return result, nil
}
