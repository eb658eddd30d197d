// Package voiceprint keeps one voice print per known person and answers
// "which known person, if any, does this embedding belong to".
package voiceprint

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown voice print or person ids.
	ErrNotFound = errors.New("voiceprint not found")
	// ErrDimensionMismatch is returned when an embedding does not match the
	// length of the print it is compared with or added to.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrEmptyEmbedding is returned for nil or zero-length embeddings.
	ErrEmptyEmbedding = errors.New("empty embedding")
)

// Person identifies whom a print belongs to. ID is the contacts id (or the
// local user's profile id).
type Person struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// VoicePrint is the stored evidence for one person.
type VoicePrint struct {
	ID       string `json:"id"`
	PersonID string `json:"personId"`
	Name     string `json:"name"`

	// Centroid is the normalized running average of all samples.
	Centroid []float32 `json:"centroid"`
	// Samples holds the most recent embeddings, up to Config.MaxSamples.
	Samples [][]float32 `json:"samples,omitempty"`

	// SampleCount only ever grows; it counts every embedding ever added.
	SampleCount    int `json:"sampleCount"`
	ConfirmedCount int `json:"confirmedCount"`
	AutoCount      int `json:"autoCount"`
	// Confidence in [0,1]: sample agreement times accumulated evidence.
	Confidence float64 `json:"confidence"`

	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`

	// SamplePath is an optional MP3 clip of the person's voice.
	SamplePath string `json:"samplePath,omitempty"`
	Source     string `json:"source,omitempty"` // "mic" or "sys"
	Notes      string `json:"notes,omitempty"`
}

// Person returns the owner of the print.
func (vp *VoicePrint) Person() Person {
	return Person{ID: vp.PersonID, Name: vp.Name}
}

func (vp *VoicePrint) clone() VoicePrint {
	c := *vp
	c.Centroid = append([]float32(nil), vp.Centroid...)
	c.Samples = make([][]float32, len(vp.Samples))
	for i, s := range vp.Samples {
		c.Samples[i] = append([]float32(nil), s...)
	}
	return c
}

// storeFile is the on-disk layout of speakers.json.
type storeFile struct {
	Version     int          `json:"version"`
	VoicePrints []VoicePrint `json:"voiceprints"`
}

// legacyStoreFile is the version 1 layout: one embedding per print averaged
// over SeenCount meetings, no person link.
type legacyStoreFile struct {
	Version     int `json:"version"`
	VoicePrints []struct {
		VoicePrint
		Embedding []float32 `json:"embedding"`
		SeenCount int       `json:"seenCount"`
	} `json:"voiceprints"`
}

// MatchResult is one candidate from a lookup.
type MatchResult struct {
	VoicePrint *VoicePrint
	Similarity float32 // cosine similarity against the centroid
	Confidence string  // "high", "medium", "low", "none"
}

// Person returns the matched person.
func (m MatchResult) Person() Person {
	if m.VoicePrint == nil {
		return Person{}
	}
	return m.VoicePrint.Person()
}

// Cosine similarity tiers.
const (
	ThresholdHigh   float32 = 0.85 // auto-learn during a live session
	ThresholdMedium float32 = 0.70 // suggest to the user
	ThresholdLow    float32 = 0.50 // possible match
	ThresholdMin    float32 = 0.50 // floor for any candidate
)

// GetConfidence maps a similarity to its tier.
func GetConfidence(similarity float32) string {
	switch {
	case similarity >= ThresholdHigh:
		return "high"
	case similarity >= ThresholdMedium:
		return "medium"
	case similarity >= ThresholdLow:
		return "low"
	default:
		return "none"
	}
}

// CurrentVersion of the storage format.
const CurrentVersion = 2

// Config tunes matching and learning.
type Config struct {
	// AcceptThreshold is the minimum similarity FindMatchingPerson reports.
	AcceptThreshold float32 `yaml:"accept_threshold"`
	// AttendeeBonus is added to the similarity of prints whose name is on
	// the attendee list when ranking in MatchToAttendees.
	AttendeeBonus float32 `yaml:"attendee_bonus"`
	// MaxSamples bounds the stored per-print sample window.
	MaxSamples int `yaml:"max_samples"`
	// MaxCentroidWeight caps how much history outweighs a new sample.
	MaxCentroidWeight int `yaml:"max_centroid_weight"`
	// ConfirmedWeight and AutoWeight are evidence per sample; confirmed
	// samples must weigh at least as much as auto ones.
	ConfirmedWeight float64 `yaml:"confirmed_weight"`
	AutoWeight      float64 `yaml:"auto_weight"`
	// EvidenceScale is the evidence at which confidence reaches ~63% of
	// its agreement ceiling.
	EvidenceScale float64 `yaml:"evidence_scale"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		AcceptThreshold:   ThresholdMedium,
		AttendeeBonus:     0.05,
		MaxSamples:        50,
		MaxCentroidWeight: 10,
		ConfirmedWeight:   2,
		AutoWeight:        1,
		EvidenceScale:     5,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AcceptThreshold <= 0 {
		c.AcceptThreshold = def.AcceptThreshold
	}
	if c.AttendeeBonus < 0 {
		c.AttendeeBonus = 0
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = def.MaxSamples
	}
	if c.MaxCentroidWeight <= 0 {
		c.MaxCentroidWeight = def.MaxCentroidWeight
	}
	if c.AutoWeight <= 0 {
		c.AutoWeight = def.AutoWeight
	}
	if c.ConfirmedWeight < c.AutoWeight {
		c.ConfirmedWeight = max(def.ConfirmedWeight, c.AutoWeight)
	}
	if c.EvidenceScale <= 0 {
		c.EvidenceScale = def.EvidenceScale
	}
	return c
}
