// SPDX-License-Identifier: MIT
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"

	applog "github.com/nicolas-f/sonomkr-core/internal/log"
	"github.com/nicolas-f/sonomkr-core/pkg/pcm"
)

// PortAudioDriver opens blocking PortAudio input streams. Each handle owns a
// PortAudio initialization, released by Close.
type PortAudioDriver struct{}

// Open initializes PortAudio, opens the input device of p and starts the stream.
func (PortAudioDriver) Open(p Params) (Handle, error) {
	if _, err := pcm.BytesPerSample(p.BitDepth); err != nil {
		return nil, err
	}
	if err := Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceOpen, err)
	}

	h, err := openStream(p)
	if err != nil {
		_ = Terminate()
		return nil, fmt.Errorf("%w: %w", ErrDeviceOpen, err)
	}
	return h, nil
}

func openStream(p Params) (*portAudioHandle, error) {
	dev, err := InputDevice(p.Device)
	if err != nil {
		return nil, err
	}

	latency := dev.DefaultHighInputLatency
	if p.LowLatency {
		latency = dev.DefaultLowInputLatency
	}
	sp := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: p.Channels,
			Latency:  latency,
		},
		SampleRate:      p.SampleRate,
		FramesPerBuffer: p.PeriodSize,
	}

	h := &portAudioHandle{params: p}
	samples := p.PeriodSize * p.Channels
	// 24-bit words are read in a 32-bit container, most significant aligned.
	if p.BitDepth == 16 {
		h.in16 = make([]int16, samples)
		h.stream, err = portaudio.OpenStream(sp, h.in16)
	} else {
		h.in32 = make([]int32, samples)
		h.stream, err = portaudio.OpenStream(sp, h.in32)
	}
	if err != nil {
		return nil, err
	}
	if err := h.stream.Start(); err != nil {
		h.stream.Close()
		return nil, err
	}

	applog.Infof("Capture: opened %q (%d ch, %.0f Hz, %d-bit, period %d, latency %v)",
		dev.Name, p.Channels, p.SampleRate, p.BitDepth, p.PeriodSize, latency)
	return h, nil
}

type portAudioHandle struct {
	params Params
	stream *portaudio.Stream
	in16   []int16
	in32   []int32
}

// ReadPeriod reads one period and packs it as little-endian PCM into dst.
func (h *portAudioHandle) ReadPeriod(dst []byte) error {
	if err := h.stream.Read(); err != nil {
		if errors.Is(err, portaudio.InputOverflowed) {
			return fmt.Errorf("%w: %v", ErrXRun, err)
		}
		return err
	}

	if h.in16 != nil {
		if len(dst) < 2*len(h.in16) {
			return fmt.Errorf("audio: period buffer too small (%d < %d)", len(dst), 2*len(h.in16))
		}
		for i, s := range h.in16 {
			binary.LittleEndian.PutUint16(dst[2*i:], uint16(s))
		}
		return nil
	}

	if len(dst) < 3*len(h.in32) {
		return fmt.Errorf("audio: period buffer too small (%d < %d)", len(dst), 3*len(h.in32))
	}
	for i, s := range h.in32 {
		pcm.PutInt24(dst[3*i:], s>>8)
	}
	return nil
}

// Recover restarts the stream.
func (h *portAudioHandle) Recover() error {
	if err := h.stream.Stop(); err != nil {
		return err
	}
	return h.stream.Start()
}

func (h *portAudioHandle) Close() error {
	return errors.Join(h.stream.Stop(), h.stream.Close(), Terminate())
}
