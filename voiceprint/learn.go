package voiceprint

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// CosineSimilarity returns the cosine of the angle between a and b, in
// [-1, 1]. Mismatched or zero vectors yield 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	x, y := toFloat64(a), toFloat64(b)
	na, nb := floats.Norm(x, 2), floats.Norm(y, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(floats.Dot(x, y) / (na * nb))
}

// Normalize returns a unit-length copy of v; near-zero vectors are copied
// unchanged.
func Normalize(v []float32) []float32 {
	x := toFloat64(v)
	n := floats.Norm(x, 2)
	out := make([]float32, len(v))
	if n < 1e-10 {
		copy(out, v)
		return out
	}
	for i, f := range x {
		out[i] = float32(f / n)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// learn folds one embedding into vp. The centroid and sample window are
// updated the same way whether or not the sample was confirmed; only the
// evidence weight differs, so for the same prior print and embedding a
// confirmed save never yields lower confidence than an unconfirmed one.
func (c Config) learn(vp *VoicePrint, embedding []float32, confirmed bool, now time.Time) {
	if len(vp.Centroid) == 0 || vp.SampleCount == 0 {
		vp.Centroid = Normalize(embedding)
	} else {
		// The centroid is unit length, so the sample must be too or its
		// magnitude would decide the weighting.
		unit := Normalize(embedding)
		oldWeight := float32(min(vp.SampleCount, c.MaxCentroidWeight))
		total := oldWeight + 1
		next := make([]float32, len(vp.Centroid))
		for i := range vp.Centroid {
			next[i] = (vp.Centroid[i]*oldWeight + unit[i]) / total
		}
		vp.Centroid = Normalize(next)
	}

	vp.Samples = append(vp.Samples, append([]float32(nil), embedding...))
	if over := len(vp.Samples) - c.MaxSamples; over > 0 {
		vp.Samples = append([][]float32(nil), vp.Samples[over:]...)
	}

	vp.SampleCount++
	if confirmed {
		vp.ConfirmedCount++
	} else {
		vp.AutoCount++
	}
	vp.Confidence = c.confidence(vp)
	vp.LastSeenAt = now
	vp.UpdatedAt = now
}

// confidence = agreement * evidence. Agreement is the mean cosine of the
// stored samples to the centroid clamped to [0,1]; evidence saturates with
// the weighted sample counts.
func (c Config) confidence(vp *VoicePrint) float64 {
	if len(vp.Samples) == 0 {
		return 0
	}
	sims := make([]float64, len(vp.Samples))
	for i, s := range vp.Samples {
		sims[i] = float64(CosineSimilarity(s, vp.Centroid))
	}
	agreement := math.Max(0, math.Min(1, stat.Mean(sims, nil)))

	weight := float64(vp.ConfirmedCount)*c.ConfirmedWeight + float64(vp.AutoCount)*c.AutoWeight
	evidence := 1 - math.Exp(-weight/c.EvidenceScale)
	return agreement * evidence
}
