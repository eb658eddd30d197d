package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownModel  = errors.New("unknown model")
	ErrNotDownloaded = errors.New("model not downloaded")
	ErrBusy          = errors.New("model download in progress")
)

// ProgressCallback receives download status changes.
type ProgressCallback func(modelID string, progress float64, status ModelStatus, err error)

type download struct {
	cancel   context.CancelFunc
	progress float64
}

// Manager owns the models directory. Single-file models live at
// <dir>/<id>.onnx, archive models are unpacked into <dir>/<id>/.
type Manager struct {
	dir string
	log *logrus.Entry

	mu         sync.Mutex
	active     map[string]*download
	onProgress ProgressCallback
}

func NewManager(dir string, logger *logrus.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("models dir: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		dir:    dir,
		log:    logger.WithField("component", "models"),
		active: make(map[string]*download),
	}, nil
}

// SetProgressCallback installs the listener for download progress.
func (m *Manager) SetProgressCallback(cb ProgressCallback) {
	m.mu.Lock()
	m.onProgress = cb
	m.mu.Unlock()
}

func (m *Manager) Dir() string { return m.dir }

func lookup(id string) (*ModelInfo, error) {
	if info := GetModelByID(id); info != nil {
		return info, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownModel, id)
}

// target is the file (or directory, for archives) a model occupies.
func (m *Manager) target(info *ModelInfo) string {
	if info.IsArchive {
		return filepath.Join(m.dir, info.ID)
	}
	return filepath.Join(m.dir, info.ID+".onnx")
}

// ModelPath returns the .onnx file of a model, or "" for an unknown id.
func (m *Manager) ModelPath(modelID string) string {
	info, err := lookup(modelID)
	if err != nil {
		return ""
	}
	if !info.IsArchive {
		return m.target(info)
	}
	if p, err := FindOnnxModelInDir(m.target(info)); err == nil {
		return p
	}
	return filepath.Join(m.target(info), "model.onnx")
}

// IsDownloaded reports whether a usable model file is on disk.
func (m *Manager) IsDownloaded(modelID string) bool {
	info, err := lookup(modelID)
	if err != nil {
		return false
	}
	if info.IsArchive {
		_, err := FindOnnxModelInDir(m.target(info))
		return err == nil
	}
	st, err := os.Stat(m.target(info))
	return err == nil && st.Size() > 0
}

// Resolve returns the segmentation and embedding model paths. Empty ids
// mean the recommended model of that kind.
func (m *Manager) Resolve(segmentationID, embeddingID string) (seg, emb string, err error) {
	if segmentationID == "" {
		segmentationID = Recommended(KindSegmentation).ID
	}
	if embeddingID == "" {
		embeddingID = Recommended(KindEmbedding).ID
	}
	for _, id := range [...]string{segmentationID, embeddingID} {
		if _, err := lookup(id); err != nil {
			return "", "", err
		}
		if !m.IsDownloaded(id) {
			return "", "", fmt.Errorf("%w: %s", ErrNotDownloaded, id)
		}
	}
	return m.ModelPath(segmentationID), m.ModelPath(embeddingID), nil
}

// States lists the catalog with local status and live progress.
func (m *Manager) States() []ModelState {
	m.mu.Lock()
	progress := make(map[string]float64, len(m.active))
	for id, d := range m.active {
		progress[id] = d.progress
	}
	m.mu.Unlock()

	out := make([]ModelState, 0, len(Registry))
	for _, info := range Registry {
		st := ModelState{ModelInfo: info, Status: ModelStatusNotDownloaded}
		if p, ok := progress[info.ID]; ok {
			st.Status = ModelStatusDownloading
			st.Progress = p
		} else if m.IsDownloaded(info.ID) {
			st.Status = ModelStatusDownloaded
			st.Path = m.ModelPath(info.ID)
		}
		out = append(out, st)
	}
	return out
}

// Download fetches a model, blocking until it finishes, fails or ctx ends.
// A cancelled download leaves nothing behind.
func (m *Manager) Download(ctx context.Context, modelID string) error {
	info, err := lookup(modelID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	if _, busy := m.active[modelID]; busy {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, modelID)
	}
	m.active[modelID] = &download{cancel: cancel}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, modelID)
		m.mu.Unlock()
	}()

	log := m.log.WithField("model", modelID)
	log.Info("Downloading model")
	report := func(p float64) { m.report(modelID, p, ModelStatusDownloading, nil) }
	if info.IsArchive {
		err = DownloadAndExtractTarBz2(ctx, info.DownloadURL, m.target(info), info.SizeBytes, report)
	} else {
		err = DownloadFile(ctx, info.DownloadURL, m.target(info), info.SizeBytes, report)
	}

	switch {
	case err == nil:
		log.Info("Model downloaded")
		m.report(modelID, 100, ModelStatusDownloaded, nil)
		return nil
	case ctx.Err() != nil:
		log.Info("Download cancelled")
		m.removeFiles(info)
		m.report(modelID, 0, ModelStatusNotDownloaded, nil)
		return ctx.Err()
	default:
		log.WithError(err).Error("Download failed")
		m.report(modelID, 0, ModelStatusError, err)
		return err
	}
}

// DownloadAsync runs Download in the background; progress and the final
// status arrive through the progress callback.
func (m *Manager) DownloadAsync(modelID string) error {
	if _, err := lookup(modelID); err != nil {
		return err
	}
	go m.Download(context.Background(), modelID)
	return nil
}

func (m *Manager) CancelDownload(modelID string) error {
	m.mu.Lock()
	d, ok := m.active[modelID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("model %s: no download running", modelID)
	}
	d.cancel()
	return nil
}

func (m *Manager) Delete(modelID string) error {
	info, err := lookup(modelID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	_, busy := m.active[modelID]
	m.mu.Unlock()
	if busy {
		return fmt.Errorf("%w: %s", ErrBusy, modelID)
	}
	if !m.IsDownloaded(modelID) {
		return fmt.Errorf("%w: %s", ErrNotDownloaded, modelID)
	}
	if err := m.removeFiles(info); err != nil {
		return fmt.Errorf("delete model %s: %w", modelID, err)
	}
	m.log.WithField("model", modelID).Info("Model deleted")
	return nil
}

func (m *Manager) report(modelID string, progress float64, status ModelStatus, err error) {
	m.mu.Lock()
	if d, ok := m.active[modelID]; ok && status == ModelStatusDownloading {
		d.progress = progress
	}
	cb := m.onProgress
	m.mu.Unlock()
	if cb != nil {
		cb(modelID, progress, status, err)
	}
}

func (m *Manager) removeFiles(info *ModelInfo) error {
	t := m.target(info)
	if info.IsArchive {
		return os.RemoveAll(t)
	}
	os.Remove(t + ".tmp")
	err := os.Remove(t)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
