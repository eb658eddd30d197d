package voiceprint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/braheezy/shine-mp3/pkg/mp3"
	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/sirupsen/logrus"
)

// shine encodes in frames of 1152 samples per channel.
const shineFrame = 1152

// MaxSampleSeconds caps a stored clip.
const MaxSampleSeconds = 10

// SaveSample encodes a mono clip as MP3 under SamplesDir and links it to
// the print, replacing any previous clip.
func (s *Store) SaveSample(id string, samples []float32, sampleRate int) (string, error) {
	if len(samples) == 0 || sampleRate <= 0 {
		return "", errors.New("empty sample clip")
	}
	if _, err := s.Get(id); err != nil {
		return "", err
	}
	if limit := MaxSampleSeconds * sampleRate; len(samples) > limit {
		samples = samples[:limit]
	}

	dir := s.SamplesDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create samples dir: %w", err)
	}
	path := filepath.Join(dir, id+".mp3")
	if err := WriteMP3(path, samples, sampleRate); err != nil {
		return "", err
	}
	if err := s.SetSamplePath(id, path); err != nil {
		os.Remove(path)
		return "", err
	}

	s.log.WithFields(logrus.Fields{"voiceprint": id, "path": path}).Info("Sample saved")
	return path, nil
}

// WriteMP3 encodes mono float samples into an MP3 file.
func WriteMP3(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	pcm := make([]int16, len(samples), len(samples)+shineFrame)
	for i, v := range samples {
		v = max(-1, min(1, v))
		pcm[i] = int16(v * 32767)
	}
	for len(pcm)%shineFrame != 0 {
		pcm = append(pcm, 0)
	}

	enc := mp3.NewEncoder(sampleRate, 1)
	enc.Write(f, pcm)
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}

// ReadMP3 decodes an MP3 file to mono float samples and returns them with
// the file's sample rate. go-mp3 always decodes to 16-bit stereo.
func ReadMP3(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open MP3 file: %w", err)
	}
	defer f.Close()

	dec, err := gomp3.NewDecoder(f)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create MP3 decoder: %w", err)
	}

	pcm, err := io.ReadAll(dec)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, 0, fmt.Errorf("failed to read PCM data: %w", err)
	}

	n := len(pcm) / 4
	mono := make([]float32, n)
	for i := 0; i < n; i++ {
		l := int16(binary.LittleEndian.Uint16(pcm[i*4:]))
		r := int16(binary.LittleEndian.Uint16(pcm[i*4+2:]))
		mono[i] = (float32(l) + float32(r)) / 2 / 32768
	}
	return mono, dec.SampleRate(), nil
}
