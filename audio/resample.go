package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts mono float32 audio between sample rates. The capture
// devices run at 48 kHz while the diarization engine expects 16 kHz.
type Resampler struct {
	inRate  int
	outRate int
	rs      resampling.Resampler
	buf     []float64
}

// NewResampler creates a streaming mono resampler. Equal rates make it a
// passthrough.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	r := &Resampler{inRate: inRate, outRate: outRate}
	if inRate == outRate {
		return r, nil
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler %d->%d: %w", inRate, outRate, err)
	}
	r.rs = rs
	return r, nil
}

// Process resamples one block. The resampler keeps filter state between
// calls, so consecutive blocks of a stream must go through the same instance.
func (r *Resampler) Process(samples []float32) ([]float32, error) {
	if r.rs == nil {
		return append([]float32(nil), samples...), nil
	}

	if cap(r.buf) < len(samples) {
		r.buf = make([]float64, len(samples))
	}
	in := r.buf[:len(samples)]
	for i, s := range samples {
		in[i] = float64(s)
	}

	out, err := r.rs.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}

	result := make([]float32, len(out))
	for i, s := range out {
		result[i] = float32(s)
	}
	return result, nil
}

// OutputRate returns the target sample rate.
func (r *Resampler) OutputRate() int {
	return r.outRate
}
