// SPDX-License-Identifier: MIT
/*
Package audio implements the capture side of the pipeline:
- Capture reads fixed periods from a device on a locked OS thread
- AudioBuffer decodes each period straight into one ring buffer per channel
- Engine attaches the publisher, recorder and analyzer consumers and owns
  the teardown order

Thread Safety:
- The capture goroutine never blocks on consumers; slow readers lose data
- Every consumer runs on its own goroutine locked to its OS thread
- Pre-allocates buffers to avoid GC in hot path
*/
package audio

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nicolas-f/sonomkr-core/internal/analysis"
	"github.com/nicolas-f/sonomkr-core/internal/config"
	applog "github.com/nicolas-f/sonomkr-core/internal/log"
	"github.com/nicolas-f/sonomkr-core/internal/metrics"
	"github.com/nicolas-f/sonomkr-core/internal/ringbuffer"
	"github.com/nicolas-f/sonomkr-core/internal/transport"
	"github.com/nicolas-f/sonomkr-core/internal/transport/mqtt"
	"github.com/nicolas-f/sonomkr-core/internal/transport/udp"
)

// Engine assembles capture, buffer, consumers and sinks from a Config.
//
// Teardown order: capture stop, consumers closed in parallel, recorders
// finalized, buffer closed, sinks closed.
type Engine struct {
	config *config.Config

	capture   *Capture
	buffer    *AudioBuffer
	sink      transport.Publisher
	consumers []*ringbuffer.Consumer[float32]
	recorders []*Recorder
	analyzers []*analysis.Analyzer

	started   bool
	active    int // Consumers started, for the gauge.
	closeOnce sync.Once
	closeErr  error
}

type engineOptions struct {
	driver Driver
	sink   transport.Publisher
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

// WithDriver replaces the driver selected by audio.driver.
func WithDriver(d Driver) EngineOption {
	return func(o *engineOptions) { o.driver = d }
}

// WithPublisher replaces the sinks built from the publish section. The
// engine takes ownership and closes it.
func WithPublisher(p transport.Publisher) EngineOption {
	return func(o *engineOptions) { o.sink = p }
}

// NewEngine validates cfg and builds the pipeline without starting it.
func NewEngine(cfg *config.Config, opts ...EngineOption) (e *Engine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.driver == nil {
		if o.driver, err = driverFor(cfg.Audio); err != nil {
			return nil, err
		}
	}

	e = &Engine{config: cfg}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	e.buffer, err = NewAudioBuffer(cfg.Audio.InputChannels, cfg.Buffer.Capacity, WithMaxReaders(cfg.Buffer.MaxReaders))
	if err != nil {
		return nil, err
	}

	e.sink = o.sink
	if e.sink == nil && (cfg.Publish.Enabled || cfg.Analysis.Enabled) {
		if e.sink, err = buildSinks(cfg.Publish); err != nil {
			return nil, err
		}
	}

	for ch := range cfg.Audio.InputChannels {
		if err := e.attach(ch); err != nil {
			return nil, err
		}
	}

	e.capture = NewCapture(o.driver, ParamsFromConfig(cfg.Audio), e.buffer)
	applog.Infof("Engine: %d channels, %d consumers", e.buffer.Channels(), len(e.consumers))
	return e, nil
}

func driverFor(cfg config.AudioConfig) (Driver, error) {
	switch cfg.Driver {
	case config.DriverPortAudio:
		return PortAudioDriver{}, nil
	case config.DriverTone:
		return ToneDriver{Frequency: cfg.ToneFrequency, Gain: cfg.ToneGain, Realtime: true}, nil
	default:
		return nil, fmt.Errorf("%w: unknown audio driver %q", config.ErrInvalid, cfg.Driver)
	}
}

// buildSinks opens every enabled sink. When none is enabled the payloads are
// logged.
func buildSinks(cfg config.PublishConfig) (_ transport.Publisher, err error) {
	var sinks []transport.Publisher
	defer func() {
		if err != nil {
			_ = transport.NewMulti(sinks...).Close()
		}
	}()

	if cfg.UDP.Enabled {
		s, err := udp.NewSender(cfg.UDP.TargetAddress)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.WebSocket.Enabled {
		s, err := transport.NewWebSocketPublisher(cfg.WebSocket.Listen, cfg.WebSocket.Path)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.MQTT.Enabled {
		s, err := mqtt.New(cfg.MQTT)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Logging || len(sinks) == 0 {
		sinks = append(sinks, transport.NewLoggingPublisher())
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return transport.NewMulti(sinks...), nil
}

// attach registers the consumers of channel ch.
func (e *Engine) attach(ch int) error {
	cfg := e.config
	rb, err := e.buffer.ChannelBuffer(ch)
	if err != nil {
		return err
	}

	if cfg.Publish.Enabled {
		p := transport.NewChannelPublisher(ch, cfg.Buffer.BatchSize, e.sink,
			transport.WithTopicPrefix(cfg.Publish.TopicPrefix),
			transport.WithMinRun(cfg.Publish.MinBatch),
			transport.WithMaxRetries(cfg.Publish.MaxRetries),
		)
		if err := e.addConsumer(fmt.Sprintf("publisher-%d", ch), rb, cfg.Buffer.BatchSize, p); err != nil {
			return err
		}
	}

	if cfg.Recording.Enabled {
		r, err := NewRecorder(ch, cfg.Audio.SampleRate, cfg.Buffer.BatchSize, cfg.Recording)
		if err != nil {
			return err
		}
		e.recorders = append(e.recorders, r)
		if err := e.addConsumer(fmt.Sprintf("recorder-%d", ch), rb, cfg.Buffer.BatchSize, r); err != nil {
			return err
		}
	}

	if cfg.Analysis.Enabled {
		a, err := analysis.NewAnalyzer(ch, cfg.Audio.SampleRate, cfg.Analysis, e.sink,
			analysis.WithTopicPrefix(cfg.Publish.TopicPrefix))
		if err != nil {
			return err
		}
		e.analyzers = append(e.analyzers, a)
		if err := e.addConsumer(fmt.Sprintf("analyzer-%d", ch), rb, a.BlockSize(), a); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) addConsumer(name string, rb *ringbuffer.RingBuffer[float32], batch int, p ringbuffer.Processor[float32]) error {
	c, err := ringbuffer.NewConsumer(name, rb, batch, p)
	if err != nil {
		return err
	}
	retries := metrics.ConsumerRetriesTotal.WithLabelValues(name)
	c.OnRetry(retries.Inc)
	e.consumers = append(e.consumers, c)
	return nil
}

// Start starts every consumer, then the capture. On error the engine must
// still be closed.
func (e *Engine) Start() error {
	if e.started {
		return ringbuffer.ErrAlreadyStarted
	}
	e.started = true
	for _, c := range e.consumers {
		if err := c.Start(); err != nil {
			return err
		}
		e.active++
		metrics.ActiveConsumers.Inc()
	}
	return e.capture.Start()
}

// Done is closed when the capture stops, either after Close or on a fatal
// device error. It is nil before Start.
func (e *Engine) Done() <-chan struct{} {
	return e.capture.Done()
}

// Err returns the capture failure and the processing errors of stopped consumers.
func (e *Engine) Err() error {
	errs := []error{e.capture.Err()}
	for _, c := range e.consumers {
		if err := c.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Buffer returns the channel fan-out buffer.
func (e *Engine) Buffer() *AudioBuffer { return e.buffer }

// Capture returns the producer.
func (e *Engine) Capture() *Capture { return e.capture }

// Analyzers returns the analyzers, one per channel when analysis is enabled.
func (e *Engine) Analyzers() []*analysis.Analyzer { return e.analyzers }

// Recorders returns the recorders, one per channel when recording is enabled.
func (e *Engine) Recorders() []*Recorder { return e.recorders }

// Close tears the pipeline down in order. Only the first consumer failure is
// returned; Err reports all of them. Close is idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		if e.capture != nil {
			e.capture.Stop()
		}

		var g errgroup.Group
		for _, c := range e.consumers {
			g.Go(func() error {
				if err := c.Close(); err != nil {
					return fmt.Errorf("%s: %w", c.Name(), err)
				}
				return nil
			})
		}
		errs = append(errs, g.Wait())
		metrics.ActiveConsumers.Sub(float64(e.active))

		for _, r := range e.recorders {
			errs = append(errs, r.Close())
		}
		if e.buffer != nil {
			e.buffer.Close()
		}
		if e.sink != nil {
			errs = append(errs, e.sink.Close())
		}
		e.closeErr = errors.Join(errs...)
		applog.Infof("Engine: closed")
	})
	return e.closeErr
}
