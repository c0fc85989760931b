// SPDX-License-Identifier: MIT
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

/*
Sample frame (BigEndian)

+-------------------------------------------------------------------------------+
| Field           | Data Type | Size (Bytes) | Description                        |
|-----------------|-----------|--------------|------------------------------------|
| Sequence Number | uint32    | 4            | Per-channel, monotonically growing |
| Timestamp       | int64     | 8            | Nanoseconds since epoch            |
| Channel         | uint16    | 2            | Source channel index               |
| Overrun         | uint32    | 4            | Samples lost before this frame     |
| Sample Count    | uint32    | 4            | Number of floats (N)               |
| Samples         | []float32 | N * 4        | Normalized samples in [-1, 1)      |
+-------------------------------------------------------------------------------+
*/

// FrameHeaderSize is the size in bytes of the frame header.
const FrameHeaderSize = 4 + 8 + 2 + 4 + 4

var ErrShortFrame = errors.New("transport: frame too short")

// Frame is one batch of samples from one channel.
type Frame struct {
	Sequence  uint32
	Timestamp int64
	Channel   uint16
	Overrun   uint32
	Samples   []float32
}

// FrameSize returns the encoded size of a frame holding n samples.
func FrameSize(n int) int {
	return FrameHeaderSize + 4*n
}

// AppendFrame appends the encoding of f to dst and returns the extended slice.
func AppendFrame(dst []byte, f Frame) []byte {
	dst = binary.BigEndian.AppendUint32(dst, f.Sequence)
	dst = binary.BigEndian.AppendUint64(dst, uint64(f.Timestamp))
	dst = binary.BigEndian.AppendUint16(dst, f.Channel)
	dst = binary.BigEndian.AppendUint32(dst, f.Overrun)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Samples)))
	for _, s := range f.Samples {
		dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(s))
	}
	return dst
}

// EncodeFrame returns the encoding of f in a new slice.
func EncodeFrame(f Frame) []byte {
	return AppendFrame(make([]byte, 0, FrameSize(len(f.Samples))), f)
}

// DecodeFrame parses b. Samples is freshly allocated.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < FrameHeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}

	f := Frame{
		Sequence:  binary.BigEndian.Uint32(b[0:]),
		Timestamp: int64(binary.BigEndian.Uint64(b[4:])),
		Channel:   binary.BigEndian.Uint16(b[12:]),
		Overrun:   binary.BigEndian.Uint32(b[14:]),
	}
	n := int(binary.BigEndian.Uint32(b[18:]))
	body := b[FrameHeaderSize:]
	if len(body) != 4*n {
		return Frame{}, fmt.Errorf("%w: header announces %d samples, body holds %d bytes", ErrShortFrame, n, len(body))
	}

	f.Samples = make([]float32, n)
	for i := range f.Samples {
		f.Samples[i] = math.Float32frombits(binary.BigEndian.Uint32(body[4*i:]))
	}
	return f, nil
}
