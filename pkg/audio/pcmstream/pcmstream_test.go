package pcmstream

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/voicehalo/agentline/pkg/audio"
)

// pcmBytes encodes samples as raw little-endian PCM.
func pcmBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestSource_DeliversAllSamplesThenCloses(t *testing.T) {
	t.Parallel()

	in := make([]int16, 500)
	for i := range in {
		in[i] = int16(i)
	}
	s := New(bytes.NewReader(pcmBytes(in)), 8000)

	ch, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var out []int16
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if len(out) != len(in) {
					t.Fatalf("delivered %d samples, want %d", len(out), len(in))
				}
				for i := range in {
					if out[i] != in[i] {
						t.Fatalf("sample %d = %d, want %d", i, out[i], in[i])
					}
				}
				return
			}
			out = append(out, chunk...)
		case <-deadline:
			t.Fatalf("stream never finished; delivered %d of %d samples", len(out), len(in))
		}
	}
}

func TestSource_PacesDelivery(t *testing.T) {
	t.Parallel()

	// 8000 Hz with 20 ms chunks is 160 samples per tick; 480 samples need
	// three ticks, so the stream cannot finish instantly.
	s := New(bytes.NewReader(pcmBytes(make([]int16, 480))), 8000)
	ch, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	begin := time.Now()
	for range ch {
	}
	if elapsed := time.Since(begin); elapsed < 40*time.Millisecond {
		t.Errorf("stream finished in %v, want at least two tick intervals", elapsed)
	}
}

func TestSource_DoubleStartIsBusy(t *testing.T) {
	t.Parallel()

	s := New(bytes.NewReader(pcmBytes(make([]int16, 1600))), 8000)
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if _, err := s.Start(context.Background()); !errors.Is(err, audio.ErrMicrophoneUnavailable) {
		t.Errorf("second Start err = %v, want ErrMicrophoneUnavailable", err)
	}
}

func TestSource_StopClosesChannel(t *testing.T) {
	t.Parallel()

	// An endless reader: Stop is the only way out.
	s := New(zeroReader{}, 8000)
	ch, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("chunk channel never closed after Stop")
		}
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
