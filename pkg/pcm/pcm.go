/*
Package pcm converts interleaved little-endian signed linear PCM to and from
normalized float32 samples.

Supported bit depths are 16 and 24:

	16-bit: sample = int16 / 32768
	24-bit: sample = int24 (sign-extended) / 8388608

Decoding works one channel at a time so callers can de-interleave straight
into per-channel storage without an intermediate buffer.
*/
package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	scale16 = 32768.0
	scale24 = 8388608.0
)

var ErrUnsupportedBitDepth = errors.New("pcm: unsupported bit depth")

// BytesPerSample returns the sample width for bitDepth.
func BytesPerSample(bitDepth int) (int, error) {
	switch bitDepth {
	case 16:
		return 2, nil
	case 24:
		return 3, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, bitDepth)
	}
}

// FrameSize returns the size in bytes of one interleaved frame.
func FrameSize(channels, bitDepth int) (int, error) {
	bps, err := BytesPerSample(bitDepth)
	if err != nil {
		return 0, err
	}
	return bps * channels, nil
}

// Frames returns the number of whole frames in raw.
func Frames(raw []byte, channels, bitDepth int) (int, error) {
	fs, err := FrameSize(channels, bitDepth)
	if err != nil {
		return 0, err
	}
	if fs == 0 {
		return 0, nil
	}
	return len(raw) / fs, nil
}

// DecodeChannel decodes len(dst) samples of channel ch from raw, starting at
// frame firstFrame, into dst. It returns the number of samples decoded, which
// is smaller than len(dst) when raw runs out of whole frames.
func DecodeChannel(dst []float32, raw []byte, ch, channels, bitDepth, firstFrame int) int {
	switch bitDepth {
	case 16:
		stride := 2 * channels
		off := firstFrame*stride + 2*ch
		n := 0
		for ; n < len(dst) && off+2 <= len(raw); n++ {
			dst[n] = float32(float64(int16(binary.LittleEndian.Uint16(raw[off:]))) / scale16)
			off += stride
		}
		return n
	case 24:
		stride := 3 * channels
		off := firstFrame*stride + 3*ch
		n := 0
		for ; n < len(dst) && off+3 <= len(raw); n++ {
			dst[n] = float32(float64(int24(raw[off:])) / scale24)
			off += stride
		}
		return n
	default:
		return 0
	}
}

// Decode de-interleaves raw into one float32 slice per channel.
func Decode(raw []byte, channels, bitDepth int) ([][]float32, error) {
	frames, err := Frames(raw, channels, bitDepth)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
		DecodeChannel(out[ch], raw, ch, channels, bitDepth, 0)
	}
	return out, nil
}

// Encode interleaves per-channel samples into little-endian PCM. All channels
// must have the same length. Samples are rounded and clipped to the integer range.
func Encode(channels [][]float32, bitDepth int) ([]byte, error) {
	bps, err := BytesPerSample(bitDepth)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, nil
	}
	frames := len(channels[0])
	for ch := range channels {
		if len(channels[ch]) != frames {
			return nil, fmt.Errorf("pcm: channel %d has %d samples, want %d", ch, len(channels[ch]), frames)
		}
	}

	out := make([]byte, frames*bps*len(channels))
	off := 0
	for i := range frames {
		for ch := range channels {
			if bitDepth == 16 {
				binary.LittleEndian.PutUint16(out[off:], uint16(Quantize16(channels[ch][i])))
			} else {
				putInt24(out[off:], Quantize24(channels[ch][i]))
			}
			off += bps
		}
	}
	return out, nil
}

// Quantize16 converts a normalized sample to a 16-bit integer.
func Quantize16(v float32) int16 {
	return int16(quantize(float64(v), scale16, math.MinInt16, math.MaxInt16))
}

// Quantize24 converts a normalized sample to a 24-bit integer held in an int32.
func Quantize24(v float32) int32 {
	return int32(quantize(float64(v), scale24, -scale24, scale24-1))
}

func quantize(v, scale, lo, hi float64) float64 {
	x := math.Round(v * scale)
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func int24(b []byte) int32 {
	v := int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16)
	if v&0x800000 != 0 {
		v |= ^int32(0xFFFFFF)
	}
	return v
}

func putInt24(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

// PutInt24 writes the low 24 bits of v in little-endian order.
func PutInt24(b []byte, v int32) {
	putInt24(b, v)
}
