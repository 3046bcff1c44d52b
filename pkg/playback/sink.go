package playback

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Discard is a Sink that drops all audio. Useful when the host has no output
// device and only connection behaviour matters.
type Discard struct{}

// PlayAt discards the samples.
func (Discard) PlayAt(time.Time, []int16) {}

// WriterSink appends scheduled audio to an io.Writer as raw 16-bit
// little-endian mono PCM in schedule order. The agentline CLI uses it to
// record the agent's side of the call to a file.
type WriterSink struct {
	mu      sync.Mutex
	w       io.Writer
	warnErr sync.Once
}

// NewWriterSink creates a WriterSink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// PlayAt writes the samples immediately; the start time is ignored since a
// file has no output clock. Write errors are logged once and further audio is
// dropped silently.
func (s *WriterSink) PlayAt(_ time.Time, samples []int16) {
	buf := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(buf); err != nil {
		s.warnErr.Do(func() {
			slog.Warn("playback sink write failed, dropping audio", "err", err)
		})
	}
}
