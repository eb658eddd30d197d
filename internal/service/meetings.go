package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"whonext/diarization"
	"whonext/voiceprint"
)

// ErrMeetingNotFound is returned for unknown meeting ids.
var ErrMeetingNotFound = errors.New("meeting not found")

// MeetingStatus is where a meeting is in its lifecycle.
type MeetingStatus string

const (
	MeetingRecording MeetingStatus = "recording"
	MeetingCompleted MeetingStatus = "completed"
	MeetingReviewed  MeetingStatus = "reviewed"
)

// File names inside a meeting directory.
const (
	metaFile        = "meta.json"
	diarizationFile = "diarization.json"
	summaryFile     = "summary.md"
	audioFile       = "full.mp3"
)

// Meeting is the persisted metadata of one recording.
type Meeting struct {
	ID           string        `json:"id"`
	Title        string        `json:"title,omitempty"`
	StartTime    time.Time     `json:"startTime"`
	EndTime      *time.Time    `json:"endTime,omitempty"`
	Status       MeetingStatus `json:"status"`
	DurationMs   int64         `json:"durationMs"`
	Attendees    []string      `json:"attendees,omitempty"`
	SampleRate   int           `json:"sampleRate,omitempty"`
	SampleCount  int64         `json:"sampleCount,omitempty"`
	SpeakerCount int           `json:"speakerCount"`
	OverlapRatio float64       `json:"overlapRatio"`

	Summary string `json:"-"`
	DataDir string `json:"-"`
}

// MeetingStore keeps one directory per meeting with meta.json,
// diarization.json, the recording and an optional summary.
type MeetingStore struct {
	dir      string
	meetings map[string]*Meeting
	mu       sync.RWMutex
	log      *logrus.Entry
}

// NewMeetingStore opens dir and loads the meetings found there.
func NewMeetingStore(dir string, logger *logrus.Logger) (*MeetingStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create meetings dir: %w", err)
	}
	s := &MeetingStore{
		dir:      dir,
		meetings: make(map[string]*Meeting),
		log:      logger.WithField("component", "meetings"),
	}
	if err := s.load(); err != nil {
		s.log.WithError(err).Warn("Failed to load meetings")
	}
	return s, nil
}

func (s *MeetingStore) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(filepath.Join(dir, metaFile))
		if err != nil {
			continue
		}
		var m Meeting
		if err := json.Unmarshal(data, &m); err != nil {
			s.log.WithError(err).WithField("dir", dir).Warn("Skipping unreadable meeting")
			continue
		}
		m.DataDir = dir
		if summary, err := os.ReadFile(filepath.Join(dir, summaryFile)); err == nil {
			m.Summary = string(summary)
		}
		s.meetings[m.ID] = &m
	}
	return nil
}

// Create starts a new meeting directory.
func (s *MeetingStore) Create(title string, attendees []string) (*Meeting, error) {
	id := uuid.New().String()
	m := &Meeting{
		ID:        id,
		Title:     title,
		StartTime: time.Now(),
		Status:    MeetingRecording,
		Attendees: attendees,
		DataDir:   filepath.Join(s.dir, id),
	}
	if err := os.MkdirAll(m.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create meeting dir: %w", err)
	}
	if err := s.SaveMeta(m); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.meetings[id] = m
	s.mu.Unlock()
	return m, nil
}

// SaveMeta writes meta.json.
func (s *MeetingStore) SaveMeta(m *Meeting) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(m.DataDir, metaFile), data)
}

// Finish stamps the end of the meeting and persists the diarization result.
func (s *MeetingStore) Finish(m *Meeting, result *diarization.Result, sampleRate int, sampleCount int64) error {
	end := time.Now()
	if result != nil && !result.StoppedAt.IsZero() {
		end = result.StoppedAt
	}

	s.mu.Lock()
	m.EndTime = &end
	m.Status = MeetingCompleted
	m.DurationMs = end.Sub(m.StartTime).Milliseconds()
	m.SampleRate = sampleRate
	m.SampleCount = sampleCount
	if result != nil {
		m.SpeakerCount = len(result.Participants)
		m.OverlapRatio = result.Overlap.Ratio()
	}
	s.mu.Unlock()

	if result != nil {
		if err := s.SaveResult(m.ID, result); err != nil {
			return err
		}
	}
	return s.SaveMeta(m)
}

// SaveResult writes diarization.json. Segments are always kept, including
// unresolved and transcript-only slots.
func (s *MeetingStore) SaveResult(id string, result *diarization.Result) error {
	m, err := s.Get(id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode diarization: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(m.DataDir, diarizationFile), data); err != nil {
		return fmt.Errorf("save diarization: %w", err)
	}

	if len(result.Unresolved()) == 0 && m.Status == MeetingCompleted {
		s.mu.Lock()
		m.Status = MeetingReviewed
		s.mu.Unlock()
		return s.SaveMeta(m)
	}
	return nil
}

// LoadResult reads diarization.json.
func (s *MeetingStore) LoadResult(id string) (*diarization.Result, error) {
	m, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(m.DataDir, diarizationFile))
	if err != nil {
		return nil, fmt.Errorf("read diarization: %w", err)
	}
	var r diarization.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode diarization: %w", err)
	}
	return &r, nil
}

// Get returns a meeting by id.
func (s *MeetingStore) Get(id string) (*Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMeetingNotFound, id)
	}
	return m, nil
}

// List returns meetings newest first.
func (s *MeetingStore) List() []*Meeting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*Meeting, 0, len(s.meetings))
	for _, m := range s.meetings {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].StartTime.After(list[j].StartTime)
	})
	return list
}

// Delete removes a meeting and its files.
func (s *MeetingStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMeetingNotFound, id)
	}
	if m.Status == MeetingRecording && m.EndTime == nil {
		return fmt.Errorf("cannot delete meeting %s while recording", id)
	}
	if err := os.RemoveAll(m.DataDir); err != nil {
		return fmt.Errorf("failed to delete meeting files: %w", err)
	}
	delete(s.meetings, id)
	return nil
}

// SetSummary stores the meeting summary next to the metadata.
func (s *MeetingStore) SetSummary(id, summary string) error {
	m, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(m.DataDir, summaryFile), []byte(summary)); err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	s.mu.Lock()
	m.Summary = summary
	s.mu.Unlock()
	return nil
}

// AudioPath is where the meeting recording is written.
func (s *MeetingStore) AudioPath(id string) (string, error) {
	m, err := s.Get(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.DataDir, audioFile), nil
}

// Clips returns a clip source over the meeting recording.
func (s *MeetingStore) Clips(id string) (*MeetingClips, error) {
	path, err := s.AudioPath(id)
	if err != nil {
		return nil, err
	}
	return &MeetingClips{path: path}, nil
}

// MeetingClips cuts segments out of a meeting recording. The file is
// decoded once, on first use.
type MeetingClips struct {
	path    string
	once    sync.Once
	samples []float32
	rate    int
	err     error
}

// Clip returns the samples of seg and the recording's sample rate.
func (c *MeetingClips) Clip(ctx context.Context, seg diarization.Segment) ([]float32, int, error) {
	c.once.Do(func() {
		c.samples, c.rate, c.err = voiceprint.ReadMP3(c.path)
	})
	if c.err != nil {
		return nil, 0, c.err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	from := max(0, int(seg.Start*float64(c.rate)))
	to := min(len(c.samples), int(seg.End*float64(c.rate)))
	if from >= to {
		return nil, c.rate, nil
	}
	return append([]float32(nil), c.samples[from:to]...), c.rate, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
