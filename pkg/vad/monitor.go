// Package vad derives human-facing speech activity states from capture
// energy and playback events.
//
// The monitor is advisory only: it drives status displays and never gates the
// data plane. It maintains a single four-state vocabulary:
//
//	idle      — nobody is talking
//	listening — the user is speaking
//	thinking  — the user finished and the agent's first audio is imminent
//	speaking  — agent audio is playing
//
// The user side is energy-based: sustained average magnitude below a fixed
// threshold moves listening → idle after a hold period. The agent side is
// event-based: inbound media means speaking (with a brief thinking flash when
// it directly follows the end of user speech), and playback running dry
// returns to idle.
package vad

import (
	"sync"
	"time"
)

// SpeechState is the advisory activity state shown to the user.
type SpeechState int

const (
	StateIdle SpeechState = iota
	StateListening
	StateThinking
	StateSpeaking
)

// String returns the human-readable name of the state.
func (s SpeechState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Default tuning values, overridable via options.
const (
	// DefaultThreshold is the average-magnitude threshold on the 0–255 scale
	// below which a frame counts as silence.
	DefaultThreshold = 10.0

	// DefaultSilenceHold is how long energy must stay below the threshold
	// before the user is considered done speaking.
	DefaultSilenceHold = 1200 * time.Millisecond

	// DefaultThinkingFlash is how long the thinking state shows before the
	// first agent audio is reported as speaking.
	DefaultThinkingFlash = 250 * time.Millisecond
)

// Option configures a [Monitor] during construction.
type Option func(*Monitor)

// WithThreshold overrides the silence threshold (0–255 scale).
func WithThreshold(v float64) Option {
	return func(m *Monitor) {
		if v > 0 {
			m.threshold = v
		}
	}
}

// WithSilenceHold overrides the listening → idle hold period.
func WithSilenceHold(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.silenceHold = d
		}
	}
}

// WithThinkingFlash overrides the thinking flash duration.
func WithThinkingFlash(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.thinkingFlash = d
		}
	}
}

// Monitor tracks the advisory speech state for one call. All methods are
// safe for concurrent use; Close cancels all pending timers.
type Monitor struct {
	threshold     float64
	silenceHold   time.Duration
	thinkingFlash time.Duration

	mu            sync.Mutex
	state         SpeechState
	userEnded     bool // user finished speaking; next media flashes thinking
	silenceTimer  *time.Timer
	thinkingTimer *time.Timer
	closed        bool
	onChange      func(SpeechState)
}

// NewMonitor creates a Monitor in the idle state.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		threshold:     DefaultThreshold,
		silenceHold:   DefaultSilenceHold,
		thinkingFlash: DefaultThinkingFlash,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnChange registers cb for state transitions. Only one callback may be
// registered; subsequent calls replace it. The callback runs on internal
// goroutines and must not block.
func (m *Monitor) OnChange(cb func(SpeechState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = cb
}

// State returns the current advisory state.
func (m *Monitor) State() SpeechState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Energy computes the average magnitude of a frame's samples on the 0–255
// scale used by the threshold.
func Energy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		if v < 0 {
			v = -v
		}
		sum += v / 128 // map the int16 range onto 0–255
	}
	return sum / float64(len(samples))
}

// ObserveEnergy feeds one capture-side energy reading. Above the threshold
// the user counts as speaking: the state becomes listening and any pending
// silence timer is cancelled. Below it, a silence timer starts; if energy
// stays below the threshold for the hold period, the state falls back to
// idle and the user is marked done.
func (m *Monitor) ObserveEnergy(avg float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	if avg >= m.threshold {
		if m.silenceTimer != nil {
			m.silenceTimer.Stop()
			m.silenceTimer = nil
		}
		m.userEnded = false
		m.setStateLocked(StateListening)
		return
	}

	if m.state == StateListening && m.silenceTimer == nil {
		m.silenceTimer = time.AfterFunc(m.silenceHold, m.silenceElapsed)
	}
}

func (m *Monitor) silenceElapsed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state != StateListening {
		return
	}
	m.silenceTimer = nil
	m.userEnded = true
	m.setStateLocked(StateIdle)
}

// MediaArrived records inbound agent audio. The first media directly after
// the user finished speaking shows a brief thinking flash before speaking;
// otherwise the state moves straight to speaking.
func (m *Monitor) MediaArrived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state == StateSpeaking || m.state == StateThinking {
		return
	}

	if m.userEnded {
		m.userEnded = false
		m.setStateLocked(StateThinking)
		m.thinkingTimer = time.AfterFunc(m.thinkingFlash, m.thinkingElapsed)
		return
	}
	m.setStateLocked(StateSpeaking)
}

func (m *Monitor) thinkingElapsed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state != StateThinking {
		return
	}
	m.thinkingTimer = nil
	m.setStateLocked(StateSpeaking)
}

// PlaybackIdle records that agent playback ran dry; speaking returns to idle.
func (m *Monitor) PlaybackIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.state == StateSpeaking || m.state == StateThinking {
		if m.thinkingTimer != nil {
			m.thinkingTimer.Stop()
			m.thinkingTimer = nil
		}
		m.setStateLocked(StateIdle)
	}
}

// Close cancels all pending timers. The monitor stays in its final state and
// ignores further observations.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.silenceTimer != nil {
		m.silenceTimer.Stop()
		m.silenceTimer = nil
	}
	if m.thinkingTimer != nil {
		m.thinkingTimer.Stop()
		m.thinkingTimer = nil
	}
}

// setStateLocked updates the state and fires the change callback without
// holding it across the call. Caller holds m.mu.
func (m *Monitor) setStateLocked(next SpeechState) {
	if m.state == next {
		return
	}
	m.state = next
	if cb := m.onChange; cb != nil {
		go cb(next)
	}
}
