package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrMicrophoneUnavailable is returned by [Pipeline.Start] when the input
// device cannot be acquired: permission denied, no device present, or the
// source failed to open. The pipeline stays stopped; the caller decides
// whether to retry after explicit user action.
var ErrMicrophoneUnavailable = errors.New("audio: microphone unavailable")

// Source abstracts an audio input device producing mono int16 PCM at the
// device's native sample rate.
//
// Implementations wrap host-specific capture APIs (or files and test
// doubles); the pipeline never talks to a device directly.
type Source interface {
	// SampleRate returns the native sample rate in Hz. Must be >= WireSampleRate.
	SampleRate() int

	// Start acquires the device and returns a channel delivering PCM chunks
	// as they are captured. The channel is closed when the source stops or
	// fails. Chunk sizes are device-dependent and carry no framing meaning.
	Start(ctx context.Context) (<-chan []int16, error)

	// Stop releases the device and closes the chunk channel. Safe to call
	// more than once.
	Stop() error
}

// Pipeline converts a [Source]'s native-rate PCM stream into a continuous
// sequence of exact [FrameSamples]-sample frames at the wire rate.
//
// Rate conversion is integer accumulate-and-drop decimation: one input sample
// is kept per nativeRate/8000. Good enough for speech; no anti-aliasing
// filter is applied. Leftover samples below a full frame are buffered until
// the next chunk completes the frame, so no short frame is ever emitted.
//
// A slow consumer never stalls capture: when the frame channel is full the
// new frame is dropped and counted.
//
// Start and Stop are idempotent and safe to call from any goroutine.
type Pipeline struct {
	source Source
	frames chan Frame

	mu      sync.Mutex
	running bool
	done    chan struct{} // closed when the pump goroutine exits

	dropped  atomic.Int64
	emitted  atomic.Int64
	warnDrop sync.Once

	// decimation and framing state, owned by the pump goroutine while
	// running and reset on Stop.
	acc     int
	pending []int16
}

// NewPipeline creates a capture pipeline reading from source. The pipeline is
// created stopped; call [Pipeline.Start] to begin emitting frames.
func NewPipeline(source Source) *Pipeline {
	return &Pipeline{
		source: source,
		frames: make(chan Frame, 64),
	}
}

// Frames returns the channel on which captured frames arrive. The channel is
// stable across Start/Stop cycles and is never closed by the pipeline.
func (p *Pipeline) Frames() <-chan Frame { return p.frames }

// Dropped returns the number of frames discarded because the consumer fell
// behind.
func (p *Pipeline) Dropped() int64 { return p.dropped.Load() }

// Emitted returns the total number of full frames produced since creation.
func (p *Pipeline) Emitted() int64 { return p.emitted.Load() }

// Start acquires the source and begins emitting frames. Calling Start while
// already running is a no-op with a logged warning, not an error. A source
// that cannot be opened yields an error wrapping [ErrMicrophoneUnavailable].
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		slog.Warn("capture pipeline already running, ignoring start")
		return nil
	}
	if rate := p.source.SampleRate(); rate < WireSampleRate {
		p.mu.Unlock()
		return fmt.Errorf("audio: source rate %d below wire rate %d", rate, WireSampleRate)
	}

	chunks, err := p.source.Start(ctx)
	if err != nil {
		p.mu.Unlock()
		if errors.Is(err, ErrMicrophoneUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}

	p.running = true
	p.acc = 0
	p.pending = p.pending[:0]
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go p.pump(ctx, chunks, done)
	return nil
}

// Stop releases the source and clears all buffered state. Safe to call
// multiple times and at any point relative to Start; once Stop returns, no
// further frames are emitted until the next Start.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	done := p.done
	p.mu.Unlock()

	err := p.source.Stop()
	<-done

	p.mu.Lock()
	p.acc = 0
	p.pending = nil
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("audio: stop source: %w", err)
	}
	return nil
}

// Running reports whether the pipeline is currently capturing.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// pump reads chunks until the source channel closes or ctx is cancelled,
// decimating to the wire rate and slicing into exact frames.
func (p *Pipeline) pump(ctx context.Context, chunks <-chan []int16, done chan struct{}) {
	defer close(done)
	srcRate := p.source.SampleRate()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			p.ingest(chunk, srcRate)
		}
	}
}

// ingest decimates one chunk and emits every completed frame.
func (p *Pipeline) ingest(chunk []int16, srcRate int) {
	for _, s := range chunk {
		p.acc += WireSampleRate
		if p.acc < srcRate {
			continue
		}
		p.acc -= srcRate
		p.pending = append(p.pending, s)

		if len(p.pending) < FrameSamples {
			continue
		}
		frame := Frame{
			Samples:    append([]int16(nil), p.pending[:FrameSamples]...),
			CapturedAt: time.Now(),
		}
		p.pending = p.pending[:0]
		p.emit(frame)
	}
}

func (p *Pipeline) emit(frame Frame) {
	select {
	case p.frames <- frame:
		p.emitted.Add(1)
	default:
		p.dropped.Add(1)
		p.warnDrop.Do(func() {
			slog.Warn("capture consumer falling behind, dropping frames")
		})
	}
}
