package audio

import "math"

// Level returns the RMS energy of a buffer of float samples:
// sqrt(sum(sample²) / N).
//
// A nil or empty buffer has level 0. Non-finite samples (NaN, ±Inf) count as
// silence so the result is always a finite value >= 0.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sum += v * v
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// Mix averages two equally clocked mono streams into one. The shorter buffer
// is padded with silence. When one side is empty the other is returned as a
// copy so a missing system stream does not halve the microphone level.
func Mix(a, b []float32) []float32 {
	if len(b) == 0 {
		return append([]float32(nil), a...)
	}
	if len(a) == 0 {
		return append([]float32(nil), b...)
	}
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var s float32
		if i < len(a) {
			s += a[i]
		}
		if i < len(b) {
			s += b[i]
		}
		out[i] = s / 2
	}
	return out
}
