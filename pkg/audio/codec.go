package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// encodeScale converts between the float32 processing range [-1, 1] and the
// 16-bit wire range. Decode divides by the same constant. This makes the
// round trip non-bit-exact at the positive boundary (32767/32768 != 1.0); the
// asymmetry matches what existing gateway peers expect and must not be
// "fixed" to 32767.
const encodeScale = 32768

// EncodeFrame converts float32 samples in [-1, 1] to base64-encoded 16-bit
// little-endian PCM. Samples outside [-1, 1] are clamped before scaling so
// the conversion can never wrap around. A full frame of FrameSamples samples
// always encodes to FrameBytes raw bytes.
func EncodeFrame(samples []float32) string {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int32(s * encodeScale)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(int16(v)))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodePayload converts a base64-encoded 16-bit little-endian PCM payload
// back to float32 samples in [-1, 1). A payload whose byte length is not a
// multiple of 2 has its trailing incomplete sample truncated rather than
// causing an error. Invalid base64 is the only failure mode.
func DecodePayload(payload string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("audio: decode payload: %w", err)
	}
	n := len(raw) / 2
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / encodeScale
	}
	return out, nil
}

// FrameToFloat32 converts a frame's int16 samples to the float32 processing
// range used by EncodeFrame.
func FrameToFloat32(f Frame) []float32 {
	out := make([]float32, len(f.Samples))
	for i, s := range f.Samples {
		out[i] = float32(s) / encodeScale
	}
	return out
}

// Float32ToSamples converts float32 samples to int16 with the same clamping
// rules as EncodeFrame.
func Float32ToSamples(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int32(s * encodeScale)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}
