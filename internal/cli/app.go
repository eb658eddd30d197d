package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"whonext/contacts"
	"whonext/engine"
	"whonext/internal/config"
	"whonext/internal/service"
	"whonext/models"
	"whonext/voiceprint"
)

// App opens the stores the commands share. Everything is created on first
// use, so light commands never touch audio devices or models.
type App struct {
	Config *config.Config
	Logger *logrus.Logger

	configPath string

	meetings *service.MeetingStore
	voices   *voiceprint.Store
	people   *contacts.SQLiteDirectory
	models   *models.Manager
	engine   *engine.SherpaEngine
}

func (a *App) Meetings() (*service.MeetingStore, error) {
	if a.meetings == nil {
		m, err := service.NewMeetingStore(a.Config.MeetingsDir(), a.Logger)
		if err != nil {
			return nil, fmt.Errorf("opening meetings: %w", err)
		}
		a.meetings = m
	}
	return a.meetings, nil
}

func (a *App) Voices() (*voiceprint.Store, error) {
	if a.voices == nil {
		v, err := voiceprint.NewStore(a.Config.DataDir, a.Config.VoicePrint, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("opening voice prints: %w", err)
		}
		a.voices = v
	}
	return a.voices, nil
}

func (a *App) People() (*contacts.SQLiteDirectory, error) {
	if a.people == nil {
		p, err := contacts.NewSQLiteDirectory(a.Config.ContactsPath())
		if err != nil {
			return nil, fmt.Errorf("opening contacts: %w", err)
		}
		a.people = p
	}
	return a.people, nil
}

func (a *App) Models() (*models.Manager, error) {
	if a.models == nil {
		m, err := models.NewManager(a.Config.ModelsDir, a.Logger)
		if err != nil {
			return nil, err
		}
		a.models = m
	}
	return a.models, nil
}

// Engine loads the diarization models named in the config, or the
// recommended ones.
func (a *App) Engine() (*engine.SherpaEngine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	mgr, err := a.Models()
	if err != nil {
		return nil, err
	}
	ec := a.Config.Engine
	seg, emb, err := mgr.Resolve(ec.SegmentationModel, ec.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("%w (run `whonext models download`)", err)
	}

	cfg := engine.DefaultConfig(seg, emb)
	if ec.NumThreads > 0 {
		cfg.NumThreads = ec.NumThreads
	}
	if ec.Provider != "" {
		cfg.Provider = ec.Provider
	}
	if ec.ClusteringThreshold > 0 {
		cfg.ClusteringThreshold = ec.ClusteringThreshold
	}
	if ec.TrackerThreshold > 0 {
		cfg.TrackerThreshold = ec.TrackerThreshold
	}
	e, err := engine.NewSherpaEngine(cfg, a.Logger)
	if err != nil {
		return nil, err
	}
	a.engine = e
	return e, nil
}

func (a *App) Assistant(ctx context.Context) *service.Assistant {
	return service.NewAssistantFromConfig(ctx, a.Config.Assistant, a.Logger)
}

func (a *App) RecordingConfig() service.RecordingConfig {
	return service.RecordingConfig{
		Overlap:       a.Config.Overlap,
		Session:       a.Config.Session,
		ChunkDuration: a.Config.Engine.ChunkDuration,
	}
}

// Close releases whatever was opened.
func (a *App) Close() error {
	var errs []error
	if a.engine != nil {
		a.engine.Close()
	}
	if a.people != nil {
		errs = append(errs, a.people.Close())
	}
	return errors.Join(errs...)
}
