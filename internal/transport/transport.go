// Package transport delivers encoded sample frames and analysis reports to
// external sinks (UDP, WebSocket, MQTT, log).
package transport

import (
	"errors"
)

var (
	// ErrUnavailable reports that a sink cannot accept data right now but may
	// later (not connected yet, send queue full). Callers may retry.
	ErrUnavailable = errors.New("transport: sink unavailable")
	ErrClosed      = errors.New("transport: publisher closed")
)

// Publisher is a publish sink. Publish must not retain payload after it
// returns. Implementations should be thread-safe.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close() error
}

// Multi publishes to several sinks.
type Multi struct {
	sinks []Publisher
}

// NewMulti returns a Publisher fanning out to sinks. Nil sinks are skipped.
func NewMulti(sinks ...Publisher) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Publish sends payload to every sink. It returns ErrUnavailable only when no
// sink accepted the payload and every failure was ErrUnavailable, so a retry
// never duplicates data on a sink that already has it. Other failures are
// joined and returned.
func (m *Multi) Publish(topic string, payload []byte) error {
	var hard []error
	delivered, unavailable := 0, 0
	for _, s := range m.sinks {
		err := s.Publish(topic, payload)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrUnavailable):
			unavailable++
		default:
			hard = append(hard, err)
		}
	}

	if len(hard) > 0 {
		return errors.Join(hard...)
	}
	if delivered == 0 && unavailable > 0 {
		return ErrUnavailable
	}
	return nil
}

// Close closes every sink and joins their errors.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ensure Multi satisfies the interface at compile time.
var _ Publisher = (*Multi)(nil)
