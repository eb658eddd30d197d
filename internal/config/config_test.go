package config

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Overlap.SpeechThreshold != 0.02 || cfg.Overlap.MinOverlapDuration != 0.3 {
		t.Errorf("overlap defaults = %+v", cfg.Overlap)
	}
	if cfg.Session.AcceptThreshold != 0.70 || cfg.Session.AutoLearnThreshold != 0.85 {
		t.Errorf("session defaults = %+v", cfg.Session)
	}
}

func TestDecode_OverlaysDefaults(t *testing.T) {
	cfg := Default()
	in := `
data_dir: /tmp/wn
overlap:
  speech_threshold: 0.05
session:
  active_window: 5s
engine:
  chunk_duration: 15s
assistant:
  providers: [openai, local]
`
	if err := Decode(strings.NewReader(in), cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/tmp/wn" || cfg.Overlap.SpeechThreshold != 0.05 {
		t.Errorf("overlay = %+v", cfg)
	}
	if cfg.Overlap.MinOverlapDuration != 0.3 {
		t.Errorf("untouched field lost its default: %v", cfg.Overlap.MinOverlapDuration)
	}
	if cfg.Session.ActiveWindow != 5*time.Second || cfg.Engine.ChunkDuration != 15*time.Second {
		t.Errorf("durations = %v, %v", cfg.Session.ActiveWindow, cfg.Engine.ChunkDuration)
	}
	if len(cfg.Assistant.Providers) != 2 || cfg.Assistant.Providers[0] != "openai" {
		t.Errorf("providers = %v", cfg.Assistant.Providers)
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"unknown field", "bogus: 1\n"},
		{"threshold range", "overlap:\n  speech_threshold: 2\n"},
		{"accept range", "session:\n  accept_threshold: -0.1\n"},
		{"weights", "voiceprint:\n  confirmed_weight: 0.5\n  auto_weight: 1\n"},
		{"log level", "log:\n  level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Decode(strings.NewReader(tt.in), Default()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_MissingFileAndRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "none.yaml"))
	if err != nil {
		t.Fatal(err)
	}

	cfg.DataDir = dir
	cfg.Session.FlushTimeout = 7 * time.Second
	path := filepath.Join(dir, "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.DataDir != dir || got.Session.FlushTimeout != 7*time.Second {
		t.Errorf("reloaded = %+v", got)
	}
	if got.MeetingsDir() != filepath.Join(dir, "meetings") {
		t.Errorf("meetings dir = %s", got.MeetingsDir())
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Log = LogConfig{Level: "debug", Format: "json"}
	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v", logger.GetLevel())
	}
	logger.WithField("component", "test").Debug("hello")
	if !strings.Contains(buf.String(), `"component":"test"`) {
		t.Errorf("json output = %s", buf.String())
	}
}
