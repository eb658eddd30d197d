// Package engine wraps the on-device diarization models that turn meeting
// audio into speaker-attributed segments.
package engine

import (
	"whonext/voiceprint"
)

// Tracker keeps engine speaker labels stable across chunks. The offline
// diarizer numbers speakers per call; the tracker maps each chunk-local
// speaker to a meeting-wide label by cosine similarity to running
// centroids.
type Tracker struct {
	threshold float32
	centroids [][]float32
	counts    []int
}

// NewTracker creates a tracker; embeddings at or above threshold join an
// existing speaker.
func NewTracker(threshold float32) *Tracker {
	if threshold <= 0 {
		threshold = 0.6
	}
	return &Tracker{threshold: threshold}
}

// Assign returns the meeting-wide label for an embedding and folds it into
// that label's centroid. An empty embedding gets a fresh label.
func (t *Tracker) Assign(embedding []float32) int {
	if len(embedding) == 0 {
		return t.add(nil)
	}

	best, bestSim := -1, float32(-2)
	for i, c := range t.centroids {
		if len(c) != len(embedding) {
			continue
		}
		if sim := voiceprint.CosineSimilarity(embedding, c); sim > bestSim {
			best, bestSim = i, sim
		}
	}
	if best < 0 || bestSim < t.threshold {
		return t.add(embedding)
	}

	c, n := t.centroids[best], float32(t.counts[best])
	next := make([]float32, len(c))
	for i := range c {
		next[i] = (c[i]*n + embedding[i]) / (n + 1)
	}
	t.centroids[best] = voiceprint.Normalize(next)
	t.counts[best]++
	return best
}

func (t *Tracker) add(embedding []float32) int {
	var c []float32
	if len(embedding) > 0 {
		c = voiceprint.Normalize(embedding)
	}
	t.centroids = append(t.centroids, c)
	t.counts = append(t.counts, 1)
	return len(t.centroids) - 1
}

// Speakers returns how many meeting-wide labels exist.
func (t *Tracker) Speakers() int {
	return len(t.centroids)
}

// Reset forgets all speakers.
func (t *Tracker) Reset() {
	t.centroids = nil
	t.counts = nil
}
