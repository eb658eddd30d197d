package engine

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
	"github.com/sirupsen/logrus"

	"whonext/diarization"
)

// Config configures SherpaEngine.
type Config struct {
	SegmentationModelPath string  `yaml:"segmentation_model"`
	EmbeddingModelPath    string  `yaml:"embedding_model"`
	NumThreads            int     `yaml:"num_threads"`
	ClusteringThreshold   float32 `yaml:"clustering_threshold"`
	MinDurationOn         float32 `yaml:"min_duration_on"`
	MinDurationOff        float32 `yaml:"min_duration_off"`
	Provider              string  `yaml:"provider"` // cpu, cuda, coreml, auto
	// TrackerThreshold is the cosine similarity that keeps a chunk speaker
	// on an existing meeting-wide label.
	TrackerThreshold float32 `yaml:"tracker_threshold"`
	// MinEmbedSeconds is the shortest segment that gets its own embedding.
	MinEmbedSeconds float32 `yaml:"min_embed_seconds"`
}

// DefaultConfig returns the stock settings with the provider chosen per
// platform.
func DefaultConfig(segmentationPath, embeddingPath string) Config {
	return Config{
		SegmentationModelPath: segmentationPath,
		EmbeddingModelPath:    embeddingPath,
		NumThreads:            4,
		ClusteringThreshold:   0.5,
		MinDurationOn:         0.3,
		MinDurationOff:        0.5,
		Provider:              "auto",
		TrackerThreshold:      0.6,
		MinEmbedSeconds:       1.0,
	}
}

func detectBestProvider() string {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "coreml"
	}
	return "cpu"
}

// SherpaEngine segments audio chunks by speaker with sherpa-onnx and
// attaches a speaker embedding to every segment long enough to carry one.
type SherpaEngine struct {
	cfg       Config
	log       *logrus.Entry
	mu        sync.Mutex
	diarizer  *sherpa.OfflineSpeakerDiarization
	extractor *sherpa.SpeakerEmbeddingExtractor
	tracker   *Tracker
}

// NewSherpaEngine loads both models. CoreML/CUDA failures fall back to CPU.
func NewSherpaEngine(cfg Config, logger *logrus.Logger) (*SherpaEngine, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "engine")

	if _, err := os.Stat(cfg.SegmentationModelPath); err != nil {
		return nil, fmt.Errorf("segmentation model not found: %s", cfg.SegmentationModelPath)
	}
	if _, err := os.Stat(cfg.EmbeddingModelPath); err != nil {
		return nil, fmt.Errorf("embedding model not found: %s", cfg.EmbeddingModelPath)
	}

	provider := cfg.Provider
	if provider == "auto" || provider == "" {
		provider = detectBestProvider()
	}

	diarizer, extractor := newModels(cfg, provider)
	if (diarizer == nil || extractor == nil) && provider != "cpu" {
		log.WithField("provider", provider).Warn("Provider failed, falling back to CPU")
		releaseModels(diarizer, extractor)
		provider = "cpu"
		diarizer, extractor = newModels(cfg, provider)
	}
	if diarizer == nil || extractor == nil {
		releaseModels(diarizer, extractor)
		return nil, fmt.Errorf("failed to create sherpa-onnx models (provider %s)", provider)
	}
	cfg.Provider = provider

	log.WithFields(logrus.Fields{
		"provider":     provider,
		"segmentation": cfg.SegmentationModelPath,
		"embedding":    cfg.EmbeddingModelPath,
		"dim":          extractor.Dim(),
	}).Info("Engine initialized")

	return &SherpaEngine{
		cfg:       cfg,
		log:       log,
		diarizer:  diarizer,
		extractor: extractor,
		tracker:   NewTracker(cfg.TrackerThreshold),
	}, nil
}

func newModels(cfg Config, provider string) (*sherpa.OfflineSpeakerDiarization, *sherpa.SpeakerEmbeddingExtractor) {
	embedding := sherpa.SpeakerEmbeddingExtractorConfig{
		Model:      cfg.EmbeddingModelPath,
		NumThreads: cfg.NumThreads,
		Debug:      0,
		Provider:   provider,
	}
	diarizer := sherpa.NewOfflineSpeakerDiarization(&sherpa.OfflineSpeakerDiarizationConfig{
		Segmentation: sherpa.OfflineSpeakerSegmentationModelConfig{
			Pyannote: sherpa.OfflineSpeakerSegmentationPyannoteModelConfig{
				Model: cfg.SegmentationModelPath,
			},
			NumThreads: cfg.NumThreads,
			Debug:      0,
			Provider:   provider,
		},
		Embedding: embedding,
		Clustering: sherpa.FastClusteringConfig{
			NumClusters: -1,
			Threshold:   cfg.ClusteringThreshold,
		},
		MinDurationOn:  cfg.MinDurationOn,
		MinDurationOff: cfg.MinDurationOff,
	})
	extractor := sherpa.NewSpeakerEmbeddingExtractor(&embedding)
	return diarizer, extractor
}

func releaseModels(d *sherpa.OfflineSpeakerDiarization, e *sherpa.SpeakerEmbeddingExtractor) {
	if d != nil {
		sherpa.DeleteOfflineSpeakerDiarization(d)
	}
	if e != nil {
		sherpa.DeleteSpeakerEmbeddingExtractor(e)
	}
}

// SampleRate is the rate Process expects (16 kHz for the stock models).
func (e *SherpaEngine) SampleRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.diarizer != nil {
		return e.diarizer.SampleRate()
	}
	return 16000
}

// Provider returns the ONNX provider in use.
func (e *SherpaEngine) Provider() string {
	return e.cfg.Provider
}

// Process diarizes one mono chunk. offset is the chunk start in seconds
// from the beginning of the meeting; returned segments are in meeting time,
// sorted by start, and labeled consistently across calls.
func (e *SherpaEngine) Process(samples []float32, offset float64) ([]diarization.Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.diarizer == nil {
		return nil, fmt.Errorf("engine closed")
	}
	if len(samples) == 0 {
		return nil, nil
	}

	raw := e.diarizer.Process(samples)
	if len(raw) == 0 {
		return nil, nil
	}

	rate := e.diarizer.SampleRate()
	spans := make([]chunkSpan, len(raw))
	for i, r := range raw {
		spans[i] = chunkSpan{start: r.Start, end: r.End, speaker: r.Speaker}
	}

	segs := labelChunk(spans, e.tracker, func(s chunkSpan) []float32 {
		return e.embed(cut(samples, rate, s.start, s.end), rate)
	}, e.cfg.MinEmbedSeconds)
	for i := range segs {
		segs[i].Start += offset
		segs[i].End += offset
	}

	e.log.WithFields(logrus.Fields{
		"segments": len(segs),
		"speakers": e.tracker.Speakers(),
		"offset":   fmt.Sprintf("%.1f", offset),
	}).Debug("Chunk diarized")
	return segs, nil
}

func (e *SherpaEngine) embed(samples []float32, rate int) []float32 {
	if len(samples) == 0 {
		return nil
	}
	stream := e.extractor.CreateStream()
	defer sherpa.DeleteOnlineStream(stream)

	stream.AcceptWaveform(rate, samples)
	stream.InputFinished()
	if !e.extractor.IsReady(stream) {
		return nil
	}
	return e.extractor.Compute(stream)
}

// Reset starts a new meeting: speaker labels restart at 0.
func (e *SherpaEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracker.Reset()
}

// Close releases the models.
func (e *SherpaEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	releaseModels(e.diarizer, e.extractor)
	e.diarizer, e.extractor = nil, nil
	e.log.Info("Engine closed")
}

// chunkSpan is one diarizer result in chunk time.
type chunkSpan struct {
	start, end float32
	speaker    int
}

// labelChunk maps chunk-local speakers to tracker labels. Each local
// speaker is identified once, from its longest segment; segments of at
// least minEmbed seconds get their own embedding.
func labelChunk(spans []chunkSpan, tracker *Tracker, embed func(chunkSpan) []float32, minEmbed float32) []diarization.Segment {
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	longest := make(map[int]chunkSpan)
	var order []int
	for _, s := range spans {
		l, ok := longest[s.speaker]
		if !ok {
			order = append(order, s.speaker)
		}
		if !ok || s.end-s.start > l.end-l.start {
			longest[s.speaker] = s
		}
	}

	cache := make(map[chunkSpan][]float32)
	embedOnce := func(s chunkSpan) []float32 {
		if v, ok := cache[s]; ok {
			return v
		}
		v := embed(s)
		cache[s] = v
		return v
	}

	labels := make(map[int]int, len(order))
	for _, local := range order {
		labels[local] = tracker.Assign(embedOnce(longest[local]))
	}

	segs := make([]diarization.Segment, 0, len(spans))
	for _, s := range spans {
		seg := diarization.Segment{
			EngineSpeaker: diarization.SpeakerID(labels[s.speaker]),
			Start:         float64(s.start),
			End:           float64(s.end),
		}
		if s.end-s.start >= minEmbed {
			seg.Embedding = embedOnce(s)
		}
		segs = append(segs, seg)
	}
	return segs
}

// cut returns samples[start:end] in seconds, clamped to the buffer.
func cut(samples []float32, rate int, start, end float32) []float32 {
	from := max(0, int(start*float32(rate)))
	to := min(len(samples), int(end*float32(rate)))
	if from >= to {
		return nil
	}
	return samples[from:to]
}
