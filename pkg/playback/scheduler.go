package playback

import (
	"sync"
	"time"

	"github.com/voicehalo/agentline/pkg/audio"
)

const (
	// DefaultLead is how far in the future playback starts after the first
	// frame arrives while idle. Absorbs network jitter before the first
	// sample plays.
	DefaultLead = 100 * time.Millisecond

	// DefaultBatchFrames is the maximum number of frames drained per batch.
	DefaultBatchFrames = 5

	// drainMargin is subtracted from the sleep before the next drain so the
	// scheduler wakes slightly before the previous batch runs out.
	drainMargin = 5 * time.Millisecond
)

// Sink receives scheduled audio. Implementations bind an output device (or a
// file, or a test recorder). The scheduler calls PlayAt one batch at a time,
// in schedule order; a slow PlayAt pushes the next drain out, so it should
// hand off and return rather than block for the batch's duration. The samples
// are to begin playing at the given start time on the sink's clock.
type Sink interface {
	PlayAt(start time.Time, samples []int16)
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithLead overrides the initial jitter-absorbing lead time.
func WithLead(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lead = d
		}
	}
}

// WithBatchFrames overrides the maximum frames drained per batch.
func WithBatchFrames(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchMax = n
		}
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler drains a [Queue] into a [Sink] so that consecutive batches play
// back-to-back with zero gap and zero overlap.
//
// The first frame arriving while idle schedules output a fixed lead in the
// future; each subsequent batch is scheduled to start exactly when the
// previous batch's audio ends. When the queue is empty at a drain, playback
// stops and the next arriving frame restarts it with a fresh lead — silence
// is never synthesised to keep the stream alive.
//
// A single playing flag guarantees at most one drain loop at a time. All
// methods are safe for concurrent use.
type Scheduler struct {
	queue    *Queue
	sink     Sink
	now      func() time.Time
	lead     time.Duration
	batchMax int

	mu       sync.Mutex
	playing  bool
	nextPlay time.Time
	timer    *time.Timer
	closed   bool
	starts   int64 // playback sessions started (idle → playing edges)
	onIdle   func()
}

// NewScheduler creates a scheduler draining queue into sink.
func NewScheduler(queue *Queue, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:    queue,
		sink:     sink,
		now:      time.Now,
		lead:     DefaultLead,
		batchMax: DefaultBatchFrames,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnIdle registers cb to be invoked whenever playback stops because the queue
// ran dry. Only one callback may be registered; subsequent calls replace it.
// The callback runs on an internal goroutine and must not block.
func (s *Scheduler) OnIdle(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onIdle = cb
}

// Enqueue adds an inbound frame and starts playback if the scheduler is idle.
func (s *Scheduler) Enqueue(f audio.Frame) {
	s.queue.Push(f)

	s.mu.Lock()
	if s.closed || s.playing {
		s.mu.Unlock()
		return
	}
	s.playing = true
	s.starts++
	s.nextPlay = s.now().Add(s.lead)
	s.timer = time.AfterFunc(s.lead-drainMargin, s.drain)
	s.mu.Unlock()
}

// Playing reports whether a drain loop is currently active.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Starts returns the number of idle→playing transitions since creation.
func (s *Scheduler) Starts() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// Close stops the drain loop and discards any pending timer. Frames left in
// the queue are not played. Safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.playing = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// drain pops one batch, hands it to the sink with its scheduled start time,
// and re-arms itself for when that batch's audio will end.
func (s *Scheduler) drain() {
	s.mu.Lock()
	if s.closed || !s.playing {
		s.mu.Unlock()
		return
	}

	batch := s.queue.PopBatch(s.batchMax)
	if len(batch) == 0 {
		// Queue exhausted: stop and let the next frame restart fresh.
		s.playing = false
		s.timer = nil
		cb := s.onIdle
		s.mu.Unlock()
		if cb != nil {
			cb()
		}
		return
	}

	var samples []int16
	for _, f := range batch {
		samples = append(samples, f.Samples...)
	}
	total := time.Duration(len(samples)) * time.Second / audio.WireSampleRate

	start := s.nextPlay
	s.nextPlay = s.nextPlay.Add(total)
	sink := s.sink
	s.mu.Unlock()

	// Deliver before re-arming so the sink sees batches one at a time, in
	// schedule order, even when PlayAt outruns drainMargin.
	sink.PlayAt(start, samples)

	s.mu.Lock()
	if s.closed || !s.playing {
		s.mu.Unlock()
		return
	}
	// Sleep until just before this batch's audio ends, then drain again.
	wait := s.nextPlay.Sub(s.now()) - drainMargin
	if wait < 0 {
		wait = 0
	}
	s.timer = time.AfterFunc(wait, s.drain)
	s.mu.Unlock()
}
