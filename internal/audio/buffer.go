// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/nicolas-f/sonomkr-core/internal/metrics"
	"github.com/nicolas-f/sonomkr-core/internal/ringbuffer"
	"github.com/nicolas-f/sonomkr-core/pkg/pcm"
)

var (
	ErrChannelMismatch = errors.New("audio: channel count mismatch")
	ErrPartialFrame    = errors.New("audio: partial frame")
	ErrNoChannel       = errors.New("audio: no such channel")
)

type bufferOptions struct {
	maxReaders int
}

// BufferOption configures an AudioBuffer.
type BufferOption func(*bufferOptions)

// WithMaxReaders sets the number of reader slots of every channel ring.
func WithMaxReaders(n int) BufferOption {
	return func(o *bufferOptions) { o.maxReaders = n }
}

// AudioBuffer fans interleaved periods out to one ring buffer per channel.
// Channel count and capacity are fixed.
type AudioBuffer struct {
	rings    []*ringbuffer.RingBuffer[float32]
	capacity int
}

// NewAudioBuffer returns a buffer of channels rings holding capacity samples each.
func NewAudioBuffer(channels, capacity int, opts ...BufferOption) (*AudioBuffer, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("audio: buffer needs at least one channel, got %d", channels)
	}
	o := bufferOptions{maxReaders: ringbuffer.DefaultMaxReaders}
	for _, opt := range opts {
		opt(&o)
	}

	b := &AudioBuffer{
		rings:    make([]*ringbuffer.RingBuffer[float32], channels),
		capacity: capacity,
	}
	for ch := range b.rings {
		overruns := metrics.RingOverrunsTotal.WithLabelValues(strconv.Itoa(ch))
		rb, err := ringbuffer.New[float32](capacity,
			ringbuffer.WithMaxReaders(o.maxReaders),
			ringbuffer.WithOverrunHook(func(_ ringbuffer.ReaderID, lost uint64) {
				overruns.Add(float64(lost))
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("audio: channel %d: %w", ch, err)
		}
		b.rings[ch] = rb
	}
	return b, nil
}

// Write decodes the interleaved little-endian period raw straight into the
// channel rings. Whole frames are always written; trailing bytes of a partial
// frame are dropped and reported with ErrPartialFrame. Write never blocks on
// readers: slow readers lose their oldest data.
func (b *AudioBuffer) Write(raw []byte, channels, bitDepth int) error {
	if channels != len(b.rings) {
		return fmt.Errorf("%w: got %d, buffer has %d", ErrChannelMismatch, channels, len(b.rings))
	}
	fs, err := pcm.FrameSize(channels, bitDepth)
	if err != nil {
		return err
	}
	frames := len(raw) / fs

	for ch, rb := range b.rings {
		for written := 0; written < frames; {
			n := min(frames-written, b.capacity)
			region, err := rb.BeginWrite(n)
			if err != nil {
				return err
			}
			k := pcm.DecodeChannel(region.First, raw, ch, channels, bitDepth, written)
			k += pcm.DecodeChannel(region.Second, raw, ch, channels, bitDepth, written+len(region.First))
			if err := rb.EndWrite(k); err != nil {
				return err
			}
			written += n
		}
	}

	if rest := len(raw) % fs; rest != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrPartialFrame, rest)
	}
	return nil
}

// WriteSamples appends already decoded samples to one channel.
func (b *AudioBuffer) WriteSamples(channel int, samples []float32) error {
	rb, err := b.ChannelBuffer(channel)
	if err != nil {
		return err
	}
	_, err = rb.Write(samples)
	return err
}

// ChannelBuffer returns the ring of channel ch.
func (b *AudioBuffer) ChannelBuffer(ch int) (*ringbuffer.RingBuffer[float32], error) {
	if ch < 0 || ch >= len(b.rings) {
		return nil, fmt.Errorf("%w: %d", ErrNoChannel, ch)
	}
	return b.rings[ch], nil
}

// Channels returns the number of channels.
func (b *AudioBuffer) Channels() int { return len(b.rings) }

// Capacity returns the capacity of each channel ring.
func (b *AudioBuffer) Capacity() int { return b.capacity }

// Close stops every reader of every channel. Consumers must be closed first.
func (b *AudioBuffer) Close() {
	for _, rb := range b.rings {
		rb.Close()
	}
}
