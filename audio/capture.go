package audio

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/sirupsen/logrus"
)

// Device describes an audio endpoint.
type Device struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsInput  bool   `json:"isInput"`
	IsOutput bool   `json:"isOutput"`
}

// Channel identifies the audio source a buffer came from.
type Channel int

const (
	ChannelMicrophone Channel = iota
	ChannelSystem
)

func (c Channel) String() string {
	if c == ChannelSystem {
		return "sys"
	}
	return "mic"
}

// ChannelData is one device callback worth of mono float samples.
type ChannelData struct {
	Channel Channel
	Samples []float32
}

// CaptureConfig configures the two capture streams.
type CaptureConfig struct {
	SampleRate    int    `yaml:"sample_rate"`
	MicDevice     string `yaml:"mic_device"`    // device id or name, "" = default
	SystemDevice  string `yaml:"system_device"` // loopback device name (BlackHole, Monitor of ...)
	CaptureSystem bool   `yaml:"capture_system"`
	QueueSize     int    `yaml:"queue_size"`
}

// DefaultCaptureConfig returns 48 kHz capture with system audio through a
// BlackHole loopback device.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate:    48000,
		SystemDevice:  "BlackHole",
		CaptureSystem: true,
		QueueSize:     1000,
	}
}

// stream is one opened capture device.
type stream struct {
	channel  Channel
	channels uint32
	target   *malgo.DeviceID
	device   *malgo.Device
}

// Capture records the microphone and a system-audio loopback device as two
// independent mono streams.
//
// Device callbacks run on the backend's real-time thread. They only convert
// bytes and do a non-blocking send; when the consumer falls behind the buffer
// is dropped and counted instead of stalling the device.
type Capture struct {
	ctx *malgo.AllocatedContext
	cfg CaptureConfig
	log *logrus.Entry

	out     chan ChannelData
	dropped atomic.Int64

	mu      sync.Mutex
	streams []*stream
}

// NewCapture initializes the malgo context.
func NewCapture(cfg CaptureConfig, logger *logrus.Logger) (*Capture, error) {
	def := DefaultCaptureConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		logger.WithField("component", "miniaudio").Debug(strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("audio context: %w", err)
	}
	return &Capture{
		ctx: ctx,
		cfg: cfg,
		log: logger.WithField("component", "capture"),
		out: make(chan ChannelData, cfg.QueueSize),
	}, nil
}

// ListDevices merges capture and playback endpoints by name. Capture
// devices come first; playback-only devices follow.
func (c *Capture) ListDevices() ([]Device, error) {
	inputs, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("list capture devices: %w", err)
	}
	devices := make([]Device, 0, len(inputs))
	byName := make(map[string]int, len(inputs))
	for _, info := range inputs {
		byName[info.Name()] = len(devices)
		devices = append(devices, Device{ID: encodeDeviceID(info.ID), Name: info.Name(), IsInput: true})
	}

	outputs, err := c.ctx.Devices(malgo.Playback)
	if err != nil {
		c.log.WithError(err).Warn("Playback devices unavailable")
		return devices, nil
	}
	for _, info := range outputs {
		if i, ok := byName[info.Name()]; ok {
			devices[i].IsOutput = true
			continue
		}
		devices = append(devices, Device{ID: encodeDeviceID(info.ID), Name: info.Name(), IsOutput: true})
	}
	return devices, nil
}

// lookupInput resolves a capture device by id or by case-insensitive name
// fragment.
func (c *Capture) lookupInput(ref string) (*malgo.DeviceID, error) {
	inputs, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, err
	}
	want, idErr := decodeDeviceID(ref)
	fragment := strings.ToLower(ref)
	for _, info := range inputs {
		if idErr == nil && info.ID == want {
			id := info.ID
			return &id, nil
		}
	}
	for _, info := range inputs {
		if strings.Contains(strings.ToLower(info.Name()), fragment) {
			id := info.ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("no capture device matches %q", ref)
}

// Start opens the microphone and, when enabled, the loopback device. A
// missing or failing loopback device downgrades the capture to
// microphone-only.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) > 0 {
		return errors.New("capture already running")
	}

	mic := &stream{channel: ChannelMicrophone, channels: 1}
	if ref := c.cfg.MicDevice; ref != "" && ref != "default" {
		id, err := c.lookupInput(ref)
		if err != nil {
			return fmt.Errorf("microphone: %w", err)
		}
		mic.target = id
	}
	if err := c.open(mic); err != nil {
		return fmt.Errorf("microphone: %w", err)
	}
	c.streams = append(c.streams, mic)

	if c.cfg.CaptureSystem {
		if err := c.openSystem(); err != nil {
			c.log.WithError(err).Warn("System audio unavailable, recording microphone only")
			c.cfg.CaptureSystem = false
		}
	}
	return nil
}

func (c *Capture) openSystem() error {
	id, err := c.lookupInput(c.cfg.SystemDevice)
	if err != nil {
		return err
	}
	// Loopback devices are stereo.
	sys := &stream{channel: ChannelSystem, channels: 2, target: id}
	if err := c.open(sys); err != nil {
		return err
	}
	c.streams = append(c.streams, sys)
	return nil
}

// SystemEnabled reports whether the system stream is running.
func (c *Capture) SystemEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.CaptureSystem
}

// SampleRate returns the device sample rate.
func (c *Capture) SampleRate() int {
	return c.cfg.SampleRate
}

func (c *Capture) open(s *stream) error {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(c.cfg.SampleRate)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = s.channels
	cfg.Alsa.NoMMap = 1
	if s.target != nil {
		cfg.Capture.DeviceID = s.target.Pointer()
	}

	channels := int(s.channels)
	onData := func(_, input []byte, frames uint32) {
		mono, ok := downmixF32(input, int(frames), channels)
		if !ok {
			return
		}
		select {
		case c.out <- ChannelData{Channel: s.channel, Samples: mono}:
		default:
			c.dropped.Add(1)
		}
	}

	dev, err := malgo.InitDevice(c.ctx.Context, cfg, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		return err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return err
	}
	s.device = dev
	c.log.WithField("channel", s.channel.String()).Info("Capture started")
	return nil
}

// downmixF32 averages interleaved little-endian float32 frames to mono.
// It reports false when input does not hold exactly frames*channels
// samples.
func downmixF32(input []byte, frames, channels int) ([]float32, bool) {
	if channels <= 0 || len(input) != frames*channels*4 {
		return nil, false
	}
	mono := make([]float32, frames)
	for i := range mono {
		var sum float32
		for ch := range channels {
			off := (i*channels + ch) * 4
			sum += math.Float32frombits(binary.LittleEndian.Uint32(input[off:]))
		}
		mono[i] = sum / float32(channels)
	}
	return mono, true
}

// Stop closes the devices. Buffers already queued stay readable.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	for _, s := range c.streams {
		s.device.Uninit()
	}
	c.streams = nil

	if n := c.dropped.Load(); n > 0 {
		c.log.WithField("dropped", n).Warn("Capture consumer fell behind")
	}
	c.log.Info("Capture stopped")
	return nil
}

// Data returns the buffer stream.
func (c *Capture) Data() <-chan ChannelData {
	return c.out
}

// ClearBuffers discards queued buffers so a new recording does not start
// with audio from the previous one.
func (c *Capture) ClearBuffers() {
	c.dropped.Store(0)
	for {
		select {
		case <-c.out:
		default:
			return
		}
	}
}

// Close releases the audio context.
func (c *Capture) Close() {
	c.Stop()
	if c.ctx != nil {
		_ = c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
}

// Device ids are opaque backend structs; they travel as hex.
func encodeDeviceID(id malgo.DeviceID) string {
	return hex.EncodeToString(id[:])
}

func decodeDeviceID(s string) (malgo.DeviceID, error) {
	var id malgo.DeviceID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("device id has %d bytes, want %d", len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}
