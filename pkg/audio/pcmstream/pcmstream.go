// Package pcmstream adapts an io.Reader of raw 16-bit little-endian mono PCM
// into an audio.Source, pacing delivery in real time so a file behaves like a
// live microphone. This is the capture path used by the agentline CLI, which
// has no OS audio dependency.
package pcmstream

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/voicehalo/agentline/pkg/audio"
)

// chunkDuration is the amount of audio delivered per tick. Chosen to resemble
// a typical device callback buffer.
const chunkDuration = 20 * time.Millisecond

// Compile-time assertion that Source satisfies audio.Source.
var _ audio.Source = (*Source)(nil)

// Source reads raw PCM from an io.Reader and delivers it in realtime-paced
// chunks. When the reader is exhausted the chunk channel closes, which the
// capture pipeline treats as end of input.
type Source struct {
	r    io.Reader
	rate int

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Source reading from r at the given native sample rate.
func New(r io.Reader, sampleRate int) *Source {
	return &Source{r: r, rate: sampleRate}
}

// SampleRate returns the native sample rate passed to New.
func (s *Source) SampleRate() int { return s.rate }

// Start begins paced delivery. An already-started source returns an error
// wrapping audio.ErrMicrophoneUnavailable, mirroring a busy device.
func (s *Source) Start(ctx context.Context) (<-chan []int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, errors.Join(audio.ErrMicrophoneUnavailable, errors.New("pcmstream: source already started"))
	}

	runCtx, cancel := context.WithCancel(ctx)
	ch := make(chan []int16, 8)
	done := make(chan struct{})
	s.started = true
	s.cancel = cancel
	s.done = done

	go s.run(runCtx, ch, done)
	return ch, nil
}

// Stop halts delivery and closes the chunk channel. Safe to call more than
// once.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	s.cancel()
	<-s.done
	return nil
}

func (s *Source) run(ctx context.Context, ch chan<- []int16, done chan struct{}) {
	defer close(done)
	defer close(ch)

	samplesPerChunk := int(int64(s.rate) * int64(chunkDuration) / int64(time.Second))
	buf := make([]byte, samplesPerChunk*2)
	ticker := time.NewTicker(chunkDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := io.ReadFull(s.r, buf)
		if n > 0 {
			chunk := make([]int16, n/2)
			for i := range chunk {
				chunk[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("pcm stream read failed", "err", err)
			}
			return
		}
	}
}
