// SPDX-License-Identifier: MIT
package analysis

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nicolas-f/sonomkr-core/internal/config"
	applog "github.com/nicolas-f/sonomkr-core/internal/log"
	"github.com/nicolas-f/sonomkr-core/internal/metrics"
	"github.com/nicolas-f/sonomkr-core/internal/ringbuffer"
	"github.com/nicolas-f/sonomkr-core/internal/transport"
)

// DefaultTopicPrefix is prepended to "levels/<channel>" to form the report topic.
const DefaultTopicPrefix = "audio/"

// BandLevel is the level of one octave band in a Report.
type BandLevel struct {
	Name     string  `msgpack:"name"`
	CenterHz float64 `msgpack:"center_hz"`
	Level    float64 `msgpack:"level_db"`
}

// Report is the msgpack payload published for every analyzed block.
type Report struct {
	Channel   int         `msgpack:"channel"`
	Sequence  uint32      `msgpack:"seq"`
	Timestamp int64       `msgpack:"ts"` // Unix nanoseconds.
	Samples   int         `msgpack:"samples"`
	Overrun   uint64      `msgpack:"overrun"` // Samples lost before this block.
	Leq       float64     `msgpack:"leq_db"`
	Peak      float64     `msgpack:"peak"`
	Bands     []BandLevel `msgpack:"bands"`
}

// DecodeReport parses a payload published by an Analyzer.
func DecodeReport(payload []byte) (Report, error) {
	var r Report
	err := msgpack.Unmarshal(payload, &r)
	return r, err
}

// Analyzer is a ringbuffer.Processor computing the Leq, peak and octave band
// levels of fixed-size blocks of one channel and publishing them as Reports.
//
// Reports for blocks the gate rejects are not published. Publish failures are
// logged and the block is consumed anyway.
type Analyzer struct {
	channel   int
	blockSize int
	topic     string
	sink      transport.Publisher
	gate      *Gate
	now       func() time.Time

	fft   *FFTProcessor
	bands *BandEnergyProcessor

	seq     uint32
	overrun uint64
	block   []float32
	samples []float64
	report  Report
	buf     bytes.Buffer
	enc     *msgpack.Encoder

	suppressed uint64
	leq        prometheus.Gauge
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithTopicPrefix sets the report topic prefix.
func WithTopicPrefix(prefix string) AnalyzerOption {
	return func(a *Analyzer) { a.topic = prefix + "levels/" + strconv.Itoa(a.channel) }
}

// WithClock replaces time.Now for report timestamps.
func WithClock(now func() time.Time) AnalyzerOption {
	return func(a *Analyzer) { a.now = now }
}

// NewAnalyzer returns an analyzer for channel sampled at sampleRate. Blocks
// are cfg.BlockSize(sampleRate) samples long; the consumer should request
// that batch size.
func NewAnalyzer(channel int, sampleRate float64, cfg config.AnalysisConfig, sink transport.Publisher, opts ...AnalyzerOption) (*Analyzer, error) {
	if sink == nil {
		return nil, errors.New("analysis: analyzer requires a publisher")
	}
	win, err := ParseWindowFunc(cfg.FFTWindow)
	if err != nil {
		return nil, err
	}
	size := cfg.BlockSize(sampleRate)
	fft, err := NewFFTProcessor(size, sampleRate, win)
	if err != nil {
		return nil, err
	}
	bands, err := NewBandEnergyProcessor(fft, cfg.Bands)
	if err != nil {
		return nil, err
	}

	label := strconv.Itoa(channel)
	a := &Analyzer{
		channel:   channel,
		blockSize: size,
		topic:     DefaultTopicPrefix + "levels/" + label,
		sink:      sink,
		gate:      NewGate(cfg.GateThreshold),
		now:       time.Now,
		fft:       fft,
		bands:     bands,
		block:     make([]float32, size),
		samples:   make([]float64, size),
		leq:       metrics.LeqDecibels.WithLabelValues(label),
	}
	a.report.Channel = channel
	a.report.Bands = make([]BandLevel, len(bands.Bands()))
	for i, b := range bands.Bands() {
		a.report.Bands[i] = BandLevel{Name: b.Name, CenterHz: b.CenterHz}
	}
	a.enc = msgpack.NewEncoder(&a.buf)

	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Topic returns the topic reports are published on.
func (a *Analyzer) Topic() string { return a.topic }

// BlockSize returns the number of samples analyzed per report.
func (a *Analyzer) BlockSize() int { return a.blockSize }

// Gate returns the noise gate, which may be adjusted while running.
func (a *Analyzer) Gate() *Gate { return a.gate }

// Suppressed returns the number of blocks the gate rejected. Only valid once
// the consumer has stopped.
func (a *Analyzer) Suppressed() uint64 { return a.suppressed }

// Process analyzes one block of v.
func (a *Analyzer) Process(v ringbuffer.View[float32]) (ringbuffer.Result, error) {
	a.overrun += v.Overrun

	n, err := v.Copy(a.block)
	if err != nil {
		return ringbuffer.Result{}, err
	}
	if n == 0 {
		return ringbuffer.Retry(), nil
	}
	block := a.block[:n]
	for i, s := range block {
		a.samples[i] = float64(s)
	}
	samples := a.samples[:n]

	a.report.Leq = Leq(samples)
	a.report.Peak = Peak(samples)
	a.leq.Set(a.report.Leq)

	if !a.gate.Open(a.report.Peak) {
		a.suppressed++
		return ringbuffer.Consumed(n), nil
	}

	a.fft.Process(block)
	a.bands.Process()
	for i, b := range a.bands.Bands() {
		a.report.Bands[i].Level = Decibels(b.Energy)
	}

	a.report.Sequence = a.seq
	a.report.Timestamp = a.now().UnixNano()
	a.report.Samples = n
	a.report.Overrun = a.overrun

	a.buf.Reset()
	if err := a.enc.Encode(&a.report); err != nil {
		return ringbuffer.Result{}, fmt.Errorf("analysis: encode report: %w", err)
	}
	a.seq++
	a.overrun = 0

	if err := a.sink.Publish(a.topic, a.buf.Bytes()); err != nil {
		applog.Debugf("Analyzer: report %d on %s not delivered: %v", a.report.Sequence, a.topic, err)
	}
	return ringbuffer.Consumed(n), nil
}

var _ ringbuffer.Processor[float32] = (*Analyzer)(nil)
