// Package playback buffers inbound audio frames and schedules them for
// gapless, jitter-tolerant output.
//
// Inbound frames arrive with irregular timing; the [Queue] absorbs them with
// a strict bound so latency cannot grow without limit, and the [Scheduler]
// drains the queue in small batches, chaining each batch's start time to the
// previous batch's end so output is continuous while audio keeps arriving.
package playback

import (
	"sync"

	"github.com/voicehalo/agentline/pkg/audio"
)

// DefaultCapacity bounds the queue at roughly one second of audio
// (100 frames × 10 ms).
const DefaultCapacity = 100

// Queue is a bounded FIFO of frames awaiting playback. When full, the oldest
// frame is dropped to make room — latency is bounded and ingestion never
// blocks. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	buf     []audio.Frame
	head    int
	n       int
	dropped int64
}

// NewQueue creates a queue holding at most capacity frames. A capacity of
// zero or less uses DefaultCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{buf: make([]audio.Frame, capacity)}
}

// Push appends a frame, evicting the oldest frame when the queue is full.
func (q *Queue) Push(f audio.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == len(q.buf) {
		// Full: evict the oldest to keep the most recent audio.
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		q.dropped++
	}
	q.buf[(q.head+q.n)%len(q.buf)] = f
	q.n++
}

// PopBatch removes and returns up to max frames in FIFO order. Returns nil
// when the queue is empty.
func (q *Queue) PopBatch(max int) []audio.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 || max <= 0 {
		return nil
	}
	if max > q.n {
		max = q.n
	}
	out := make([]audio.Frame, max)
	for i := range out {
		out[i] = q.buf[q.head]
		q.buf[q.head] = audio.Frame{}
		q.head = (q.head + 1) % len(q.buf)
	}
	q.n -= max
	return out
}

// Len returns the number of frames currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Dropped returns the number of frames evicted due to overflow.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
