package voiceprint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store holds voice prints in speakers.json. Reads take a shared lock so
// the UI can list prints while a write is in flight; every write persists
// atomically and rolls back the in-memory change on failure.
type Store struct {
	path string
	cfg  Config
	log  *logrus.Entry

	mu   sync.RWMutex
	data storeFile

	now func() time.Time
}

// NewStore opens (or creates) the store in dataDir.
func NewStore(dataDir string, cfg Config, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Store{
		path: filepath.Join(dataDir, "speakers.json"),
		cfg:  cfg.withDefaults(),
		log:  logger.WithField("component", "voiceprint"),
		data: storeFile{Version: CurrentVersion},
		now:  time.Now,
	}

	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load speakers: %w", err)
	}

	s.log.WithFields(logrus.Fields{"path": s.path, "count": len(s.data.VoicePrints)}).Info("Store initialized")
	return s, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return fmt.Errorf("failed to parse speakers.json: %w", err)
	}

	if head.Version < CurrentVersion {
		return s.migrate(raw)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return fmt.Errorf("failed to parse speakers.json: %w", err)
	}
	return nil
}

// migrate converts a version 1 file. The old averaged embedding becomes the
// centroid and the only retained sample; its meeting count becomes
// unconfirmed evidence.
func (s *Store) migrate(raw []byte) error {
	var old legacyStoreFile
	if err := json.Unmarshal(raw, &old); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	s.data = storeFile{Version: CurrentVersion}
	for _, lp := range old.VoicePrints {
		vp := lp.VoicePrint
		if vp.PersonID == "" {
			vp.PersonID = vp.ID
		}
		if len(vp.Centroid) == 0 && len(lp.Embedding) > 0 {
			vp.Centroid = Normalize(lp.Embedding)
			vp.Samples = [][]float32{append([]float32(nil), lp.Embedding...)}
			vp.SampleCount = max(lp.SeenCount, 1)
			vp.AutoCount = vp.SampleCount
		}
		vp.Confidence = s.cfg.confidence(&vp)
		s.data.VoicePrints = append(s.data.VoicePrints, vp)
	}

	s.log.WithFields(logrus.Fields{"from": old.Version, "to": CurrentVersion}).Info("Migrated store")
	return s.saveUnsafe()
}

// saveUnsafe writes the store; callers hold the write lock.
func (s *Store) saveUnsafe() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal speakers: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// List returns copies of all voice prints.
func (s *Store) List() []VoicePrint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]VoicePrint, len(s.data.VoicePrints))
	for i := range s.data.VoicePrints {
		out[i] = s.data.VoicePrints[i].clone()
	}
	return out
}

// Count returns the number of stored prints.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.VoicePrints)
}

// Get returns a copy of the print with the given id.
func (s *Store) Get(id string) (*VoicePrint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.indexByID(id); i >= 0 {
		vp := s.data.VoicePrints[i].clone()
		return &vp, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// GetByPerson returns a copy of the person's print.
func (s *Store) GetByPerson(personID string) (*VoicePrint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.indexByPerson(personID); i >= 0 {
		vp := s.data.VoicePrints[i].clone()
		return &vp, nil
	}
	return nil, fmt.Errorf("%w: person %s", ErrNotFound, personID)
}

func (s *Store) indexByID(id string) int {
	for i := range s.data.VoicePrints {
		if s.data.VoicePrints[i].ID == id {
			return i
		}
	}
	return -1
}

// shortID trims a print id for log fields. Ids from hand-edited or
// migrated files may be shorter than a uuid.
func shortID(id string) string {
	return id[:min(8, len(id))]
}

func (s *Store) indexByPerson(personID string) int {
	for i := range s.data.VoicePrints {
		if s.data.VoicePrints[i].PersonID == personID {
			return i
		}
	}
	return -1
}

// SaveEmbeddingWithFeedback adds one sample to the person's print, creating
// the print on first use. wasConfirmed marks a sample the user explicitly
// confirmed; it counts as stronger evidence than an unconfirmed auto match.
func (s *Store) SaveEmbeddingWithFeedback(ctx context.Context, embedding []float32, person Person, wasConfirmed bool) error {
	if len(embedding) == 0 {
		return ErrEmptyEmbedding
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vp, err := s.learnUnsafe(person, [][]float32{embedding}, wasConfirmed)
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"name":       vp.Name,
		"confirmed":  wasConfirmed,
		"samples":    vp.SampleCount,
		"confidence": fmt.Sprintf("%.2f", vp.Confidence),
		"voiceprint": shortID(vp.ID),
	}).Debug("Embedding saved")
	return nil
}

// AddEmbeddings appends samples to the person's print unconditionally. It
// is the path for explicit user confirmation, so every sample counts as
// confirmed.
func (s *Store) AddEmbeddings(ctx context.Context, embeddings [][]float32, person Person) (*VoicePrint, error) {
	var valid [][]float32
	for _, e := range embeddings {
		if len(e) > 0 {
			valid = append(valid, e)
		}
	}
	if len(valid) == 0 {
		return nil, ErrEmptyEmbedding
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vp, err := s.learnUnsafe(person, valid, true)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"name": vp.Name, "added": len(valid), "samples": vp.SampleCount}).Info("Embeddings added")
	out := vp.clone()
	return &out, nil
}

// learnUnsafe applies samples to a working copy and commits only if the
// file write succeeds.
func (s *Store) learnUnsafe(person Person, embeddings [][]float32, confirmed bool) (*VoicePrint, error) {
	if person.ID == "" {
		return nil, fmt.Errorf("%w: person without id", ErrNotFound)
	}

	now := s.now()
	idx := s.indexByPerson(person.ID)

	var work VoicePrint
	if idx >= 0 {
		work = s.data.VoicePrints[idx].clone()
	} else {
		work = VoicePrint{
			ID:        uuid.New().String(),
			PersonID:  person.ID,
			CreatedAt: now,
		}
	}
	if person.Name != "" {
		work.Name = person.Name
	}

	for _, e := range embeddings {
		if len(work.Centroid) > 0 && len(e) != len(work.Centroid) {
			return nil, fmt.Errorf("%w: got %d, print has %d", ErrDimensionMismatch, len(e), len(work.Centroid))
		}
		s.cfg.learn(&work, e, confirmed, now)
	}

	if idx >= 0 {
		prev := s.data.VoicePrints[idx]
		s.data.VoicePrints[idx] = work
		if err := s.saveUnsafe(); err != nil {
			s.data.VoicePrints[idx] = prev
			return nil, err
		}
		return &s.data.VoicePrints[idx], nil
	}

	s.data.VoicePrints = append(s.data.VoicePrints, work)
	if err := s.saveUnsafe(); err != nil {
		s.data.VoicePrints = s.data.VoicePrints[:len(s.data.VoicePrints)-1]
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"name": work.Name, "voiceprint": shortID(work.ID)}).Info("Added")
	return &s.data.VoicePrints[len(s.data.VoicePrints)-1], nil
}

// Rename changes the display name of a print.
func (s *Store) Rename(id, name string) error {
	return s.mutate(id, func(vp *VoicePrint) {
		vp.Name = name
	})
}

// SetSamplePath records the MP3 clip of a print.
func (s *Store) SetSamplePath(id, samplePath string) error {
	return s.mutate(id, func(vp *VoicePrint) {
		vp.SamplePath = samplePath
	})
}

// SetNotes stores free-form user notes.
func (s *Store) SetNotes(id, notes string) error {
	return s.mutate(id, func(vp *VoicePrint) {
		vp.Notes = notes
	})
}

func (s *Store) mutate(id string, fn func(*VoicePrint)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexByID(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev := s.data.VoicePrints[i]
	work := prev.clone()
	fn(&work)
	work.UpdatedAt = s.now()
	s.data.VoicePrints[i] = work
	if err := s.saveUnsafe(); err != nil {
		s.data.VoicePrints[i] = prev
		return err
	}
	return nil
}

// Delete removes a print and its sample clip.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexByID(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	prev := s.data.VoicePrints
	removed := prev[i]
	next := make([]VoicePrint, 0, len(prev)-1)
	next = append(next, prev[:i]...)
	next = append(next, prev[i+1:]...)
	s.data.VoicePrints = next
	if err := s.saveUnsafe(); err != nil {
		s.data.VoicePrints = prev
		return err
	}

	if removed.SamplePath != "" {
		if err := os.Remove(removed.SamplePath); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).Warn("Failed to remove sample clip")
		}
	}
	s.log.WithFields(logrus.Fields{"name": removed.Name, "voiceprint": id}).Info("Deleted")
	return nil
}

// SamplesDir is where MP3 clips live.
func (s *Store) SamplesDir() string {
	return filepath.Join(filepath.Dir(s.path), "speakers")
}

// Path returns the speakers.json location.
func (s *Store) Path() string {
	return s.path
}
