// Package mock provides test doubles for the audio package interfaces.
//
// Use Source to script capture input and inspect how the pipeline drives the
// device. Chunks listed in the Chunks field are delivered immediately on
// Start; live chunks can be injected afterwards with Push.
//
// Example:
//
//	src := &mock.Source{Rate: 48000, Chunks: [][]int16{make([]int16, 4096)}}
//	p := audio.NewPipeline(src)
package mock

import (
	"context"
	"sync"
)

// Source is a mock implementation of audio.Source.
type Source struct {
	mu sync.Mutex

	// Rate is the native sample rate reported by SampleRate. Defaults to
	// 48000 when zero.
	Rate int

	// StartErr, if non-nil, is returned as the error from Start.
	StartErr error

	// Chunks are delivered on the chunk channel immediately after Start.
	Chunks [][]int16

	// StartCalls and StopCalls count invocations.
	StartCalls int
	StopCalls  int

	ch      chan []int16
	started bool
}

// SampleRate returns Rate, defaulting to 48000.
func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Rate == 0 {
		return 48000
	}
	return s.Rate
}

// Start records the call, delivers any scripted Chunks, and returns the chunk
// channel. The channel stays open until Stop.
func (s *Source) Start(_ context.Context) (<-chan []int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls++
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	s.ch = make(chan []int16, len(s.Chunks)+16)
	s.started = true
	for _, c := range s.Chunks {
		s.ch <- c
	}
	return s.ch, nil
}

// Push injects a live chunk. No-op when the source is not started.
func (s *Source) Push(chunk []int16) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	ch := s.ch
	s.mu.Unlock()
	// Send without holding mu: a blocked send would otherwise deadlock with
	// consumers that call SampleRate (which takes mu) before draining.
	ch <- chunk
}

// Stop records the call and closes the chunk channel. Safe to call more than
// once.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	if s.started {
		close(s.ch)
		s.started = false
	}
	return nil
}
