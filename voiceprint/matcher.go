package voiceprint

import (
	"context"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// FindMatches returns every print at or above ThresholdMin, best first.
// Prints without samples never match.
func (s *Store) FindMatches(ctx context.Context, embedding []float32) ([]MatchResult, error) {
	if len(embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []MatchResult
	for i := range s.data.VoicePrints {
		vp := &s.data.VoicePrints[i]
		if vp.SampleCount == 0 || len(vp.Centroid) != len(embedding) {
			continue
		}
		sim := CosineSimilarity(embedding, vp.Centroid)
		if sim < ThresholdMin {
			continue
		}
		c := vp.clone()
		matches = append(matches, MatchResult{
			VoicePrint: &c,
			Similarity: sim,
			Confidence: GetConfidence(sim),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	return matches, nil
}

// FindMatchingPerson returns the best print at or above AcceptThreshold.
// A store with no trained prints always reports no match.
func (s *Store) FindMatchingPerson(ctx context.Context, embedding []float32) (*MatchResult, bool) {
	matches, err := s.FindMatches(ctx, embedding)
	if err != nil || len(matches) == 0 {
		return nil, false
	}
	best := matches[0]
	if best.Similarity < s.cfg.AcceptThreshold {
		return nil, false
	}

	s.log.WithFields(logrus.Fields{
		"name":       best.VoicePrint.Name,
		"similarity": best.Similarity,
		"confidence": best.Confidence,
	}).Debug("Match found")
	return &best, true
}

// MatchToAttendees assigns known people to detected speakers at meeting
// end. Prints whose name appears among attendees get AttendeeBonus added to
// their ranking score; the bonus never lifts a candidate over the
// acceptance threshold on its own. Each person is assigned to at most one
// speaker, highest score first.
func (s *Store) MatchToAttendees(ctx context.Context, embeddings map[int][]float32, attendees []string) map[int]MatchResult {
	type candidate struct {
		speaker int
		match   MatchResult
		score   float32
	}

	invited := make(map[string]bool, len(attendees))
	for _, a := range attendees {
		if n := normalizeName(a); n != "" {
			invited[n] = true
		}
	}

	var all []candidate
	for speaker, emb := range embeddings {
		if len(emb) == 0 {
			continue
		}
		matches, err := s.FindMatches(ctx, emb)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if m.Similarity < s.cfg.AcceptThreshold {
				break
			}
			score := m.Similarity
			if invited[normalizeName(m.VoicePrint.Name)] {
				score += s.cfg.AttendeeBonus
			}
			all = append(all, candidate{speaker: speaker, match: m, score: score})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].speaker < all[j].speaker
	})

	result := make(map[int]MatchResult)
	taken := make(map[string]bool)
	for _, c := range all {
		if _, done := result[c.speaker]; done {
			continue
		}
		pid := c.match.VoicePrint.PersonID
		if taken[pid] {
			continue
		}
		result[c.speaker] = c.match
		taken[pid] = true
	}
	return result
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
