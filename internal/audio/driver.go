// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"time"

	"github.com/nicolas-f/sonomkr-core/internal/config"
	"github.com/nicolas-f/sonomkr-core/pkg/pcm"
)

var (
	// ErrXRun marks a recoverable device error (overrun, underrun). The
	// capture loop recovers the handle in place and keeps reading.
	ErrXRun = errors.New("audio: xrun")
	// ErrDeviceOpen wraps any failure to open the capture device.
	ErrDeviceOpen = errors.New("audio: cannot open capture device")
)

// Params fixes the capture format for the lifetime of a handle.
type Params struct {
	Device     int     // Driver specific device index, config.MinDeviceID for the default.
	SampleRate float64 // Frames per second.
	Channels   int
	BitDepth   int // 16 or 24, little-endian packed.
	PeriodSize int // Frames per ReadPeriod call.
	LowLatency bool
}

// ParamsFromConfig returns the capture parameters of cfg.
func ParamsFromConfig(cfg config.AudioConfig) Params {
	return Params{
		Device:     cfg.InputDevice,
		SampleRate: cfg.SampleRate,
		Channels:   cfg.InputChannels,
		BitDepth:   cfg.BitDepth,
		PeriodSize: cfg.PeriodSize,
		LowLatency: cfg.LowLatency,
	}
}

// PeriodBytes returns the size of one period of raw interleaved samples.
func (p Params) PeriodBytes() (int, error) {
	fs, err := pcm.FrameSize(p.Channels, p.BitDepth)
	if err != nil {
		return 0, err
	}
	return fs * p.PeriodSize, nil
}

// PeriodDuration returns the time one period covers.
func (p Params) PeriodDuration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(p.PeriodSize) / p.SampleRate * float64(time.Second))
}

// Driver opens capture handles.
type Driver interface {
	Open(p Params) (Handle, error)
}

// Handle is an open capture device. It is used by a single goroutine.
type Handle interface {
	// ReadPeriod blocks until one period of interleaved little-endian PCM
	// fills dst. Errors wrapping ErrXRun are recoverable.
	ReadPeriod(dst []byte) error
	// Recover restores the device after an xrun.
	Recover() error
	Close() error
}
