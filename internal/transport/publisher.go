// SPDX-License-Identifier: MIT
package transport

import (
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	applog "github.com/nicolas-f/sonomkr-core/internal/log"
	"github.com/nicolas-f/sonomkr-core/internal/metrics"
	"github.com/nicolas-f/sonomkr-core/internal/ringbuffer"
)

// DefaultTopicPrefix is prepended to the channel index to form the topic.
const DefaultTopicPrefix = "audio/"

// ChannelPublisher is a ringbuffer.Processor that packages batches of one
// channel into frames and hands them to a Publisher.
//
// Publishing failures never stop the consumer. ErrUnavailable makes it retry
// the same data up to maxRetries consecutive cycles; after that, or on any
// other error, the batch is dropped and added to the overrun reported by the
// next frame.
type ChannelPublisher struct {
	channel    int
	topic      string
	sink       Publisher
	minRun     int
	maxRetries int
	now        func() time.Time

	seq     uint32
	overrun uint64 // Samples lost since the last delivered frame.
	retries int
	scratch []float32
	packet  []byte

	published prometheus.Counter
	failed    prometheus.Counter
}

// PublisherOption configures a ChannelPublisher.
type PublisherOption func(*ChannelPublisher)

// WithTopicPrefix sets the topic prefix. The default is DefaultTopicPrefix.
func WithTopicPrefix(prefix string) PublisherOption {
	return func(p *ChannelPublisher) { p.topic = prefix + strconv.Itoa(p.channel) }
}

// WithMinRun sets the shortest contiguous run published as a frame of its own.
// A frame ends at the physical end of the ring unless that leaves fewer than n
// samples, in which case it is completed with the wrapped data.
func WithMinRun(n int) PublisherOption {
	return func(p *ChannelPublisher) {
		if n > 0 {
			p.minRun = n
		}
	}
}

// WithMaxRetries sets how many consecutive cycles a batch is retried while
// the sink is unavailable.
func WithMaxRetries(n int) PublisherOption {
	return func(p *ChannelPublisher) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// WithClock replaces time.Now for frame timestamps.
func WithClock(now func() time.Time) PublisherOption {
	return func(p *ChannelPublisher) { p.now = now }
}

// NewChannelPublisher returns a publisher for channel that consumes batches of
// up to batch samples.
func NewChannelPublisher(channel, batch int, sink Publisher, opts ...PublisherOption) *ChannelPublisher {
	label := strconv.Itoa(channel)
	p := &ChannelPublisher{
		channel:    channel,
		topic:      DefaultTopicPrefix + label,
		sink:       sink,
		minRun:     max(batch/4, 1),
		maxRetries: 8,
		now:        time.Now,
		scratch:    make([]float32, batch),
		packet:     make([]byte, 0, FrameSize(batch)),
		published:  metrics.PublishedFramesTotal.WithLabelValues(label),
		failed:     metrics.FailedFramesTotal.WithLabelValues(label),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.minRun = min(p.minRun, batch)
	return p
}

// Topic returns the topic frames are published on.
func (p *ChannelPublisher) Topic() string { return p.topic }

// Process publishes the unread data of v.
func (p *ChannelPublisher) Process(v ringbuffer.View[float32]) (ringbuffer.Result, error) {
	p.overrun += v.Overrun

	n := v.ContiguousLen()
	if n < p.minRun && v.Available > n {
		n = min(len(p.scratch), v.Available)
	}
	k, err := v.Copy(p.scratch[:n])
	if err != nil {
		return ringbuffer.Result{}, err
	}
	run := p.scratch[:k]

	p.packet = AppendFrame(p.packet[:0], Frame{
		Sequence:  p.seq,
		Timestamp: p.now().UnixNano(),
		Channel:   uint16(p.channel),
		Overrun:   uint32(min(p.overrun, math.MaxUint32)),
		Samples:   run,
	})

	err = p.sink.Publish(p.topic, p.packet)
	switch {
	case err == nil:
		p.seq++
		p.overrun = 0
		p.retries = 0
		p.published.Inc()
		return ringbuffer.Consumed(len(run)), nil
	case errors.Is(err, ErrUnavailable) && p.retries < p.maxRetries:
		p.retries++
		return ringbuffer.Retry(), nil
	default:
		p.failed.Inc()
		applog.Warnf("Publisher: dropping %d samples on %s: %v", len(run), p.topic, err)
		p.seq++
		p.overrun += uint64(len(run))
		p.retries = 0
		return ringbuffer.Consumed(len(run)), nil
	}
}

// Ensure ChannelPublisher satisfies the interface at compile time.
var _ ringbuffer.Processor[float32] = (*ChannelPublisher)(nil)
