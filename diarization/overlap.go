package diarization

import (
	"sync/atomic"

	"whonext/audio"
)

// OverlapConfig holds the tunable overlap thresholds. The defaults are
// empirical; treat them as starting points, not contracts.
type OverlapConfig struct {
	// SpeechThreshold is the RMS level above which a source counts as voiced.
	SpeechThreshold float64 `yaml:"speech_threshold"`
	// MinOverlapDuration is the minimum intersection (seconds) for two
	// different speakers' segments to count as overlapping.
	MinOverlapDuration float64 `yaml:"min_overlap_duration"`
}

// DefaultOverlapConfig returns threshold 0.02 and 0.3 s minimum overlap.
func DefaultOverlapConfig() OverlapConfig {
	return OverlapConfig{
		SpeechThreshold:    0.02,
		MinOverlapDuration: 0.3,
	}
}

// OverlapResult is the per-tick outcome of DetectBuffers.
type OverlapResult struct {
	IsOverlapping bool    `json:"isOverlapping"`
	MicLevel      float64 `json:"micLevel"`
	SystemLevel   float64 `json:"systemLevel"`
	// OverlapRatio is min/max of the two levels when both are non-zero,
	// else 0. Near 1 means comparable energy on both sides, i.e. genuine
	// simultaneous speech rather than one channel bleeding into the other.
	OverlapRatio float64 `json:"overlapRatio"`
}

// OverlapStats is a point-in-time copy of the detector counters.
type OverlapStats struct {
	IsOverlapping bool  `json:"isOverlapping"`
	TotalFrames   int64 `json:"totalFrames"`
	OverlapFrames int64 `json:"overlapFrames"`
	OverlapEvents int64 `json:"overlapEvents"`
}

// Ratio returns overlapFrames/totalFrames, 0 before the first tick.
func (s OverlapStats) Ratio() float64 {
	if s.TotalFrames == 0 {
		return 0
	}
	return float64(s.OverlapFrames) / float64(s.TotalFrames)
}

// TimedSpan is a speaker-attributed time range in seconds.
type TimedSpan struct {
	Speaker SpeakerID
	Start   float64
	End     float64
}

// OverlapDetector decides per audio tick whether the microphone and the
// system stream are voiced at the same time and keeps session counters.
//
// Detect/DetectBuffers must be called from a single goroutine (the audio
// consumer). Counters are atomics so Stats can be read from any goroutine
// without blocking the audio path.
type OverlapDetector struct {
	cfg OverlapConfig

	isOverlapping atomic.Bool
	totalFrames   atomic.Int64
	overlapFrames atomic.Int64
	overlapEvents atomic.Int64
}

// NewOverlapDetector creates a detector; zero config fields take defaults.
func NewOverlapDetector(cfg OverlapConfig) *OverlapDetector {
	def := DefaultOverlapConfig()
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = def.SpeechThreshold
	}
	if cfg.MinOverlapDuration <= 0 {
		cfg.MinOverlapDuration = def.MinOverlapDuration
	}
	return &OverlapDetector{cfg: cfg}
}

// Config returns the thresholds in use.
func (d *OverlapDetector) Config() OverlapConfig {
	return d.cfg
}

// Detect records one tick. A source is active iff its level exceeds the
// speech threshold; overlap iff both are active. overlapEvents only counts
// rising edges.
func (d *OverlapDetector) Detect(micLevel, systemLevel float64) bool {
	overlapping := micLevel > d.cfg.SpeechThreshold && systemLevel > d.cfg.SpeechThreshold

	d.totalFrames.Add(1)
	if overlapping {
		d.overlapFrames.Add(1)
	}
	if prev := d.isOverlapping.Swap(overlapping); overlapping && !prev {
		d.overlapEvents.Add(1)
	}
	return overlapping
}

// DetectBuffers computes both levels and records the tick. Absent buffers
// have level 0.
func (d *OverlapDetector) DetectBuffers(mic, system []float32) OverlapResult {
	micLevel := audio.Level(mic)
	sysLevel := audio.Level(system)

	res := OverlapResult{
		IsOverlapping: d.Detect(micLevel, sysLevel),
		MicLevel:      micLevel,
		SystemLevel:   sysLevel,
	}
	if micLevel > 0 && sysLevel > 0 {
		res.OverlapRatio = min(micLevel, sysLevel) / max(micLevel, sysLevel)
	}
	return res
}

// IsOverlapping reports the state after the last tick.
func (d *OverlapDetector) IsOverlapping() bool {
	return d.isOverlapping.Load()
}

// Stats returns a copy of the counters.
func (d *OverlapDetector) Stats() OverlapStats {
	return OverlapStats{
		IsOverlapping: d.isOverlapping.Load(),
		TotalFrames:   d.totalFrames.Load(),
		OverlapFrames: d.overlapFrames.Load(),
		OverlapEvents: d.overlapEvents.Load(),
	}
}

// Reset zeroes all counters. Call once per new recording, never mid-session.
func (d *OverlapDetector) Reset() {
	d.isOverlapping.Store(false)
	d.totalFrames.Store(0)
	d.overlapFrames.Store(0)
	d.overlapEvents.Store(0)
}

// HasOverlapInRange reports whether two segments of different speakers that
// touch [start, end] intersect each other for at least MinOverlapDuration.
// Same-speaker overlap never counts. O(n²) over the spans touching the
// window, which is small in practice.
func (d *OverlapDetector) HasOverlapInRange(spans []TimedSpan, start, end float64) bool {
	_, _, ok := findOverlap(spans, start, end, d.cfg.MinOverlapDuration)
	return ok
}

// findOverlap returns the first qualifying pair (indexes into spans).
func findOverlap(spans []TimedSpan, start, end, minDur float64) (int, int, bool) {
	var inWindow []int
	for i, s := range spans {
		if s.Start < end && s.End > start {
			inWindow = append(inWindow, i)
		}
	}

	for a := 0; a < len(inWindow); a++ {
		for b := a + 1; b < len(inWindow); b++ {
			s1, s2 := spans[inWindow[a]], spans[inWindow[b]]
			if s1.Speaker == s2.Speaker {
				continue
			}
			if intersection(s1, s2) >= minDur {
				return inWindow[a], inWindow[b], true
			}
		}
	}
	return 0, 0, false
}

func intersection(a, b TimedSpan) float64 {
	return min(a.End, b.End) - max(a.Start, b.Start)
}
