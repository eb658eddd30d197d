// Package config loads the whonext YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"whonext/audio"
	"whonext/diarization"
	"whonext/voiceprint"
)

// Config is the whole application configuration. Zero fields in a file
// keep their defaults.
type Config struct {
	DataDir    string                    `yaml:"data_dir"`
	ModelsDir  string                    `yaml:"models_dir"`
	Log        LogConfig                 `yaml:"log"`
	Overlap    diarization.OverlapConfig `yaml:"overlap"`
	VoicePrint voiceprint.Config         `yaml:"voiceprint"`
	Session    diarization.SessionConfig `yaml:"session"`
	Capture    audio.CaptureConfig       `yaml:"capture"`
	Engine     EngineConfig              `yaml:"engine"`
	Server     ServerConfig              `yaml:"server"`
	Assistant  AssistantConfig           `yaml:"assistant"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// EngineConfig picks the diarization models and how audio is chunked.
type EngineConfig struct {
	SegmentationModel   string        `yaml:"segmentation_model"`
	EmbeddingModel      string        `yaml:"embedding_model"`
	NumThreads          int           `yaml:"num_threads"`
	Provider            string        `yaml:"provider"`
	ClusteringThreshold float32       `yaml:"clustering_threshold"`
	TrackerThreshold    float32       `yaml:"tracker_threshold"`
	ChunkDuration       time.Duration `yaml:"chunk_duration"`
}

// ServerConfig configures the live UI endpoints.
type ServerConfig struct {
	Port     string `yaml:"port"`
	GRPCAddr string `yaml:"grpc_addr"` // unix:/path, npipe:\\.\pipe\name or host:port; empty picks a local default
}

// AssistantConfig lists the AI providers in the order they are tried.
type AssistantConfig struct {
	Providers []string     `yaml:"providers"` // openai, gemini, ollama, local
	OpenAI    OpenAIConfig `yaml:"openai"`
	Gemini    GeminiConfig `yaml:"gemini"`
	Ollama    OllamaConfig `yaml:"ollama"`
	MaxChars  int          `yaml:"max_chars"`
}

// OpenAIConfig configures the OpenAI-compatible provider. An empty APIKey
// falls back to OPENAI_API_KEY.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// GeminiConfig configures the Gemini provider. An empty APIKey falls back
// to GEMINI_API_KEY.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// OllamaConfig configures a local Ollama server.
type OllamaConfig struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		DataDir:    dataDir,
		ModelsDir:  filepath.Join(dataDir, "models"),
		Log:        LogConfig{Level: "info", Format: "text"},
		Overlap:    diarization.DefaultOverlapConfig(),
		VoicePrint: voiceprint.DefaultConfig(),
		Session:    diarization.DefaultSessionConfig(),
		Capture:    audio.DefaultCaptureConfig(),
		Engine: EngineConfig{
			NumThreads:          4,
			Provider:            "auto",
			ClusteringThreshold: 0.5,
			TrackerThreshold:    0.6,
			ChunkDuration:       10 * time.Second,
		},
		Server: ServerConfig{Port: "8080"},
		Assistant: AssistantConfig{
			Providers: []string{"ollama", "local"},
			OpenAI:    OpenAIConfig{Model: "gpt-4o-mini"},
			Gemini:    GeminiConfig{Model: "gemini-2.0-flash"},
			Ollama:    OllamaConfig{URL: "http://localhost:11434", Model: "llama3.2"},
			MaxChars:  16000,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".whonext")
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := Decode(f, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode overlays YAML from r onto cfg and validates the result.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return cfg.Validate()
}

// Validate checks ranges the rest of the program relies on.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is empty"))
	}
	if c.Overlap.SpeechThreshold < 0 || c.Overlap.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("overlap.speech_threshold %v out of [0,1]", c.Overlap.SpeechThreshold))
	}
	if c.Overlap.MinOverlapDuration < 0 {
		errs = append(errs, fmt.Errorf("overlap.min_overlap_duration %v is negative", c.Overlap.MinOverlapDuration))
	}
	for name, v := range map[string]float32{
		"voiceprint.accept_threshold":  c.VoicePrint.AcceptThreshold,
		"session.accept_threshold":     c.Session.AcceptThreshold,
		"session.auto_learn_threshold": c.Session.AutoLearnThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s %v out of [0,1]", name, v))
		}
	}
	if c.VoicePrint.ConfirmedWeight < c.VoicePrint.AutoWeight {
		errs = append(errs, errors.New("voiceprint.confirmed_weight must be >= auto_weight"))
	}
	if c.Engine.ChunkDuration <= 0 {
		errs = append(errs, errors.New("engine.chunk_duration must be positive"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Save writes cfg as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// MeetingsDir is where recorded meetings are stored.
func (c *Config) MeetingsDir() string {
	return filepath.Join(c.DataDir, "meetings")
}

// ContactsPath is the SQLite contacts database.
func (c *Config) ContactsPath() string {
	return filepath.Join(c.DataDir, "contacts.db")
}

// NewLogger builds the root logger from the log section.
func (c *Config) NewLogger(out io.Writer) *logrus.Logger {
	logger := logrus.New()
	if out != nil {
		logger.SetOutput(out)
	}
	if lvl, err := logrus.ParseLevel(c.Log.Level); err == nil {
		logger.SetLevel(lvl)
	}
	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	}
	return logger
}
