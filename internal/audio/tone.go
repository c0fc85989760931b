package audio

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/nicolas-f/sonomkr-core/pkg/pcm"
)

// ToneDriver synthesizes a sine on every channel instead of reading a device.
// It stands in for hardware when testing a deployment end to end.
type ToneDriver struct {
	Frequency float64 // Hz.
	Gain      float64 // Peak amplitude in [0, 1].
	// Realtime paces ReadPeriod to the period duration, like a device would.
	Realtime bool
}

// Open returns a handle producing the tone in the format of p.
func (d ToneDriver) Open(p Params) (Handle, error) {
	if _, err := pcm.BytesPerSample(p.BitDepth); err != nil {
		return nil, err
	}
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return nil, ErrDeviceOpen
	}
	return &toneHandle{
		driver: d,
		params: p,
		step:   2 * math.Pi * d.Frequency / p.SampleRate,
		period: p.PeriodDuration(),
		next:   time.Now(),
	}, nil
}

type toneHandle struct {
	driver ToneDriver
	params Params
	step   float64
	phase  float64
	period time.Duration
	next   time.Time
}

func (h *toneHandle) ReadPeriod(dst []byte) error {
	if h.driver.Realtime {
		h.next = h.next.Add(h.period)
		if d := time.Until(h.next); d > 0 {
			time.Sleep(d)
		}
	}

	ch := h.params.Channels
	for i := range h.params.PeriodSize {
		v := float32(h.driver.Gain * math.Sin(h.phase))
		h.phase = math.Mod(h.phase+h.step, 2*math.Pi)
		for c := range ch {
			j := i*ch + c
			if h.params.BitDepth == 16 {
				if 2*j+2 > len(dst) {
					return nil
				}
				binary.LittleEndian.PutUint16(dst[2*j:], uint16(pcm.Quantize16(v)))
			} else {
				if 3*j+3 > len(dst) {
					return nil
				}
				pcm.PutInt24(dst[3*j:], pcm.Quantize24(v))
			}
		}
	}
	return nil
}

func (h *toneHandle) Recover() error {
	h.next = time.Now()
	return nil
}

func (h *toneHandle) Close() error { return nil }
