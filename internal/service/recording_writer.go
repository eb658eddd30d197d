package service

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/braheezy/shine-mp3/pkg/mp3"
	"github.com/sirupsen/logrus"
)

// Encoder granule: shine consumes 1152 samples per channel at a time.
// Writes are batched to four granules.
const (
	granule    = 1152
	flushBatch = 4 * granule
)

var errWriterClosed = errors.New("recording writer closed")

// recordingWriter encodes the mono meeting mix to full.mp3 while the
// meeting runs.
type recordingWriter struct {
	mu      sync.Mutex
	out     *os.File
	enc     *mp3.Encoder
	pending []int16
	total   int64
	rate    int
	done    bool
	log     *logrus.Entry
}

func newRecordingWriter(path string, rate int, logger *logrus.Logger) (*recordingWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	return &recordingWriter{
		out:     f,
		enc:     mp3.NewEncoder(rate, 1),
		pending: make([]int16, 0, 2*flushBatch),
		rate:    rate,
		log:     logger.WithFields(logrus.Fields{"component": "recording-writer", "path": path}),
	}, nil
}

func (w *recordingWriter) Write(samples []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return errWriterClosed
	}
	w.pending = appendPCM16(w.pending, samples)
	w.total += int64(len(samples))

	whole := len(w.pending) - len(w.pending)%flushBatch
	if whole == 0 {
		return nil
	}
	w.enc.Write(w.out, w.pending[:whole])
	w.pending = w.pending[:copy(w.pending, w.pending[whole:])]
	return nil
}

// SamplesWritten counts accepted samples, including ones still pending.
func (w *recordingWriter) SamplesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

// Close encodes the zero-padded tail. Calling it twice is a no-op.
func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true

	if n := len(w.pending); n > 0 {
		if rem := n % granule; rem != 0 {
			w.pending = append(w.pending, make([]int16, granule-rem)...)
		}
		w.enc.Write(w.out, w.pending)
		w.pending = nil
	}
	if err := w.out.Close(); err != nil {
		return fmt.Errorf("close recording: %w", err)
	}
	w.log.WithField("seconds", float64(w.total)/float64(w.rate)).Info("Recording written")
	return nil
}

func appendPCM16(dst []int16, samples []float32) []int16 {
	for _, s := range samples {
		dst = append(dst, int16(max(-1, min(1, s))*32767))
	}
	return dst
}
