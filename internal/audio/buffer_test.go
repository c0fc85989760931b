// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nicolas-f/sonomkr-core/internal/metrics"
	"github.com/nicolas-f/sonomkr-core/internal/ringbuffer"
	"github.com/nicolas-f/sonomkr-core/pkg/pcm"
)

func encode(t *testing.T, bitDepth int, channels ...[]float32) []byte {
	t.Helper()
	raw, err := pcm.Encode(channels, bitDepth)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return raw
}

func readAll(t *testing.T, b *AudioBuffer, ch int, id ringbuffer.ReaderID, n int) []float32 {
	t.Helper()
	rb, err := b.ChannelBuffer(ch)
	if err != nil {
		t.Fatalf("ChannelBuffer(%d): %v", ch, err)
	}
	span, ok := rb.WaitToBeginRead(id, n)
	if !ok {
		t.Fatalf("channel %d: no data", ch)
	}
	out := make([]float32, n)
	if _, err := rb.CopyAt(span.Position, out); err != nil {
		t.Fatalf("CopyAt: %v", err)
	}
	if err := rb.EndRead(id, n); err != nil {
		t.Fatalf("EndRead: %v", err)
	}
	return out
}

func register(t *testing.T, b *AudioBuffer) []ringbuffer.ReaderID {
	t.Helper()
	ids := make([]ringbuffer.ReaderID, b.Channels())
	for ch := range ids {
		rb, _ := b.ChannelBuffer(ch)
		id, err := rb.RegisterReader()
		if err != nil {
			t.Fatalf("RegisterReader: %v", err)
		}
		ids[ch] = id
	}
	return ids
}

func TestAudioBufferFansOutChannels(t *testing.T) {
	for _, depth := range []int{16, 24} {
		b, err := NewAudioBuffer(2, 8)
		if err != nil {
			t.Fatalf("NewAudioBuffer: %v", err)
		}
		ids := register(t, b)

		left := []float32{0.5, -0.25, 0.125}
		right := []float32{-0.5, 0.25, 0}
		if err := b.Write(encode(t, depth, left, right), 2, depth); err != nil {
			t.Fatalf("%d-bit Write: %v", depth, err)
		}

		for ch, want := range [][]float32{left, right} {
			got := readAll(t, b, ch, ids[ch], 3)
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("%d-bit channel %d sample %d = %v, want %v", depth, ch, i, got[i], want[i])
				}
			}
		}
	}
}

func TestAudioBufferWrapsRegion(t *testing.T) {
	b, _ := NewAudioBuffer(1, 8)
	ids := register(t, b)

	first := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	_ = b.Write(encode(t, 24, first), 1, 24)
	readAll(t, b, 0, ids[0], 6)

	// Crosses the physical end of the storage.
	second := []float32{-0.1, -0.2, -0.3, -0.4}
	if err := b.Write(encode(t, 24, second), 1, 24); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := readAll(t, b, 0, ids[0], 4)
	for i := range second {
		if diff := got[i] - second[i]; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("sample %d = %v, want %v", i, got[i], second[i])
		}
	}
}

func TestAudioBufferErrors(t *testing.T) {
	b, _ := NewAudioBuffer(2, 8)
	raw := encode(t, 16, []float32{0.5, 0.5}, []float32{0.1, 0.1})

	if err := b.Write(raw, 1, 16); !errors.Is(err, ErrChannelMismatch) {
		t.Errorf("channel mismatch error = %v", err)
	}
	if err := b.Write(raw, 2, 20); !errors.Is(err, pcm.ErrUnsupportedBitDepth) {
		t.Errorf("bit depth error = %v", err)
	}
	if _, err := b.ChannelBuffer(2); !errors.Is(err, ErrNoChannel) {
		t.Errorf("ChannelBuffer(2) error = %v", err)
	}
	if err := b.WriteSamples(-1, nil); !errors.Is(err, ErrNoChannel) {
		t.Errorf("WriteSamples(-1) error = %v", err)
	}
	if _, err := NewAudioBuffer(0, 8); err == nil {
		t.Error("expected error for zero channels")
	}
	if _, err := NewAudioBuffer(1, 0); !errors.Is(err, ringbuffer.ErrInvalidCapacity) {
		t.Errorf("zero capacity error = %v", err)
	}
}

func TestAudioBufferPartialFrame(t *testing.T) {
	b, _ := NewAudioBuffer(2, 8)
	ids := register(t, b)

	raw := encode(t, 16, []float32{0.5, 0.25}, []float32{-0.5, -0.25})
	err := b.Write(raw[:len(raw)-1], 2, 16)
	if !errors.Is(err, ErrPartialFrame) {
		t.Fatalf("error = %v, want ErrPartialFrame", err)
	}

	// The whole frame before the cut is still delivered.
	rb, _ := b.ChannelBuffer(0)
	if got := rb.Backlog(ids[0]); got != 1 {
		t.Errorf("backlog = %d, want 1", got)
	}
	if got := readAll(t, b, 1, ids[1], 1); got[0] != -0.5 {
		t.Errorf("channel 1 = %v", got[0])
	}
}

func TestAudioBufferOverrunMetric(t *testing.T) {
	b, _ := NewAudioBuffer(1, 8)
	register(t, b)
	counter := metrics.RingOverrunsTotal.WithLabelValues("0")
	before := testutil.ToFloat64(counter)

	if err := b.WriteSamples(0, make([]float32, 10)); err != nil {
		t.Fatalf("WriteSamples: %v", err)
	}
	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("overrun metric grew by %v, want 2", got)
	}
}

func TestAudioBufferLargerThanCapacity(t *testing.T) {
	b, _ := NewAudioBuffer(1, 4)
	ids := register(t, b)

	in := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	if err := b.Write(encode(t, 24, in), 1, 24); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := readAll(t, b, 0, ids[0], 4)
	for i, want := range in[2:] {
		if diff := got[i] - want; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("sample %d = %v, want %v (newest data kept)", i, got[i], want)
		}
	}
}

func TestAudioBufferWriteZeroAllocs(t *testing.T) {
	b, _ := NewAudioBuffer(2, 4096)
	register(t, b)
	raw := make([]byte, 1024*2*3)
	allocs := testing.AllocsPerRun(100, func() {
		_ = b.Write(raw, 2, 24)
	})
	if allocs > 0 {
		t.Errorf("Expected zero allocations in AudioBuffer.Write, got %.1f", allocs)
	}
}

func BenchmarkAudioBufferWrite(b *testing.B) {
	buf, _ := NewAudioBuffer(2, 65536)
	raw := make([]byte, 1024*2*2)
	b.ReportAllocs()
	b.SetBytes(int64(len(raw)))
	for b.Loop() {
		_ = buf.Write(raw, 2, 16)
	}
}
