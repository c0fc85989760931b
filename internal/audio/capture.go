// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	applog "github.com/nicolas-f/sonomkr-core/internal/log"
	"github.com/nicolas-f/sonomkr-core/internal/metrics"
	"github.com/nicolas-f/sonomkr-core/pkg/pcm"
)

// ErrCaptureRunning is returned by Start when the capture is not closed.
var ErrCaptureRunning = errors.New("audio: capture already running")

// State is the capture lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateCapturing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateCapturing:
		return "capturing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Sink receives every captured period.
type Sink interface {
	Write(raw []byte, channels, bitDepth int) error
}

// Capture is the hardware producer: it reads fixed-size periods from a device
// handle on a dedicated goroutine locked to its OS thread and hands them to a
// Sink. The sink must never block.
type Capture struct {
	driver Driver
	params Params
	sink   Sink

	mu      sync.Mutex // Serializes Start and Stop.
	state   atomic.Int32
	running atomic.Bool
	done    chan struct{}
	err     error // Written by the loop before done is closed.

	periods     atomic.Uint64
	recoveries  atomic.Uint64
	writeErrors atomic.Uint64
}

// NewCapture returns a closed capture reading p from driver into sink.
func NewCapture(driver Driver, p Params, sink Sink) *Capture {
	return &Capture{driver: driver, params: p, sink: sink}
}

// Params returns the capture parameters.
func (c *Capture) Params() Params { return c.params }

// State returns the current lifecycle state.
func (c *Capture) State() State { return State(c.state.Load()) }

// Start validates the parameters, opens the device and starts the capture
// goroutine. Configuration and open errors are fatal and not retried.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != StateClosed {
		return ErrCaptureRunning
	}
	size, err := c.params.PeriodBytes()
	if err != nil {
		return err
	}
	if c.params.Channels <= 0 || c.params.PeriodSize <= 0 {
		return fmt.Errorf("audio: invalid capture format (%d channels, period %d)", c.params.Channels, c.params.PeriodSize)
	}

	h, err := c.driver.Open(c.params)
	if err != nil {
		if errors.Is(err, ErrDeviceOpen) || errors.Is(err, pcm.ErrUnsupportedBitDepth) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDeviceOpen, err)
	}
	c.state.Store(int32(StateOpen))

	c.err = nil
	c.done = make(chan struct{})
	c.running.Store(true)
	c.state.Store(int32(StateCapturing))
	go c.loop(h, make([]byte, size), c.done)

	applog.Infof("Capture: started (%d ch, %.0f Hz, %d-bit, period %d)",
		c.params.Channels, c.params.SampleRate, c.params.BitDepth, c.params.PeriodSize)
	return nil
}

// Stop signals the capture goroutine, waits for it and closes the device.
// It is idempotent and safe to call from any goroutine. A blocked read is
// allowed to complete its period first.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done == nil {
		return
	}
	c.running.Store(false)
	<-c.done
}

// Done is closed when the capture goroutine exits, on Stop or on a fatal
// device error. It is nil before the first Start.
func (c *Capture) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns the fatal error that ended the last capture run, if any.
func (c *Capture) Err() error {
	done := c.Done()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return c.err
	default:
		return nil
	}
}

// Periods returns the number of periods read.
func (c *Capture) Periods() uint64 { return c.periods.Load() }

// Recoveries returns the number of xruns recovered in place.
func (c *Capture) Recoveries() uint64 { return c.recoveries.Load() }

// WriteErrors returns the number of periods the sink rejected.
func (c *Capture) WriteErrors() uint64 { return c.writeErrors.Load() }

func (c *Capture) loop(h Handle, raw []byte, done chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer close(done)
	defer c.state.Store(int32(StateClosed))
	defer func() {
		if err := h.Close(); err != nil {
			applog.Warnf("Capture: closing device: %v", err)
		}
	}()

	for c.running.Load() {
		err := h.ReadPeriod(raw)
		if err != nil {
			if !c.running.Load() {
				return
			}
			if errors.Is(err, ErrXRun) {
				c.recoveries.Add(1)
				metrics.CaptureRecoveriesTotal.Inc()
				applog.Warnf("Capture: %v, recovering", err)
				if rerr := h.Recover(); rerr != nil {
					c.fail(fmt.Errorf("audio: recover after xrun: %w", rerr))
					return
				}
				continue
			}
			c.fail(fmt.Errorf("audio: read period: %w", err))
			return
		}

		c.periods.Add(1)
		metrics.CapturePeriodsTotal.Inc()
		if err := c.sink.Write(raw, c.params.Channels, c.params.BitDepth); err != nil {
			c.writeErrors.Add(1)
			metrics.CaptureWriteErrorsTotal.Inc()
			applog.Warnf("Capture: buffer write: %v", err)
		}
	}
	applog.Debugf("Capture: stopped after %d periods", c.periods.Load())
}

func (c *Capture) fail(err error) {
	applog.Errorf("Capture: %v", err)
	c.err = err
	c.running.Store(false)
}
