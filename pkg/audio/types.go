// Package audio provides the frame type, wire codec, and capture pipeline for
// the agentline voice session.
//
// All audio on the wire is mono 16-bit little-endian PCM at 8 kHz, carried as
// base64 inside JSON envelopes. The atomic unit of transport is the [Frame]:
// exactly 10 ms of audio, 80 samples. The capture pipeline converts whatever
// rate the input device produces into this fixed framing; the codec converts
// between floating-point processing samples and the wire representation.
package audio

import "time"

const (
	// WireSampleRate is the sample rate of all audio on the wire, in Hz.
	WireSampleRate = 8000

	// FrameSamples is the number of samples per frame (10 ms at 8 kHz).
	FrameSamples = 80

	// FrameDuration is the playback duration of a single full frame.
	FrameDuration = 10 * time.Millisecond

	// FrameBytes is the wire size of one frame before base64 encoding.
	FrameBytes = FrameSamples * 2
)

// Frame is a fixed 10 ms unit of mono audio at the wire rate.
// Frames are produced by the capture pipeline, sent over the transport, and
// queued for playback on receive. They are consumed immediately by the next
// pipeline stage and never persisted.
type Frame struct {
	// Samples holds exactly FrameSamples signed 16-bit values for frames
	// emitted by the capture pipeline. Frames reconstructed from the wire may
	// be shorter when the peer sends partial payloads.
	Samples []int16

	// CapturedAt marks when the last sample of this frame was produced,
	// relative to the host clock.
	CapturedAt time.Time
}

// Duration returns the playback duration of the frame at the wire rate.
func (f Frame) Duration() time.Duration {
	return time.Duration(len(f.Samples)) * time.Second / WireSampleRate
}
