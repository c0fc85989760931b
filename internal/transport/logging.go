package transport

import (
	"sync/atomic"

	applog "github.com/nicolas-f/sonomkr-core/internal/log"
)

// LoggingPublisher implements the Publisher interface by logging each payload
// at debug level.
type LoggingPublisher struct {
	messages atomic.Uint64
	bytes    atomic.Uint64
}

// NewLoggingPublisher creates a new LoggingPublisher instance.
func NewLoggingPublisher() *LoggingPublisher {
	applog.Infof("Transport: Using LoggingPublisher")
	return &LoggingPublisher{}
}

// Publish logs the topic and payload size. It never fails.
func (lp *LoggingPublisher) Publish(topic string, payload []byte) error {
	n := lp.messages.Add(1)
	lp.bytes.Add(uint64(len(payload)))
	applog.Debugf("Transport: [%d] %s (%d bytes)", n, topic, len(payload))
	return nil
}

// Messages returns the number of published payloads.
func (lp *LoggingPublisher) Messages() uint64 { return lp.messages.Load() }

// Close logs the totals.
func (lp *LoggingPublisher) Close() error {
	applog.Infof("Transport: LoggingPublisher closed after %d messages (%d bytes)", lp.messages.Load(), lp.bytes.Load())
	return nil
}

// Ensure LoggingPublisher satisfies the interface at compile time.
var _ Publisher = (*LoggingPublisher)(nil)
