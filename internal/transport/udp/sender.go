// Package udp implements a datagram publish sink.
package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	applog "github.com/nicolas-f/sonomkr-core/internal/log"
	"github.com/nicolas-f/sonomkr-core/internal/transport"
)

// MaxDatagram is the largest UDP payload over IPv4.
const MaxDatagram = 65507

/*
Datagram layout

	| topic length (uint8) | topic (UTF-8) | payload |
*/

// Sender publishes each payload as one UDP datagram prefixed with its topic.
type Sender struct {
	conn   *net.UDPConn
	mu     sync.Mutex // Protects conn, buf and closed.
	buf    []byte
	closed bool
}

// NewSender creates a new Sender targeting the specified address.
// The address should be in the format "host:port", e.g., "127.0.0.1:9090".
func NewSender(targetAddress string) (*Sender, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", targetAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP target address '%s': %w", targetAddress, err)
	}

	// No local address: the kernel picks an ephemeral port.
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial UDP for target '%s': %w", targetAddress, err)
	}

	applog.Infof("UDP Sender: Connection established to %s", conn.RemoteAddr().String())
	return &Sender{conn: conn, buf: make([]byte, 0, 8192)}, nil
}

// EncodeDatagram appends the datagram for topic and payload to dst.
func EncodeDatagram(dst []byte, topic string, payload []byte) ([]byte, error) {
	if len(topic) > 255 {
		return dst, fmt.Errorf("udp: topic longer than 255 bytes: %q", topic)
	}
	if 1+len(topic)+len(payload) > MaxDatagram {
		return dst, fmt.Errorf("udp: datagram of %d bytes exceeds %d", 1+len(topic)+len(payload), MaxDatagram)
	}
	dst = append(dst, byte(len(topic)))
	dst = append(dst, topic...)
	return append(dst, payload...), nil
}

// DecodeDatagram splits a datagram into topic and payload. The payload aliases b.
func DecodeDatagram(b []byte) (string, []byte, error) {
	if len(b) < 1 || len(b) < 1+int(b[0]) {
		return "", nil, fmt.Errorf("udp: truncated datagram (%d bytes)", len(b))
	}
	n := int(b[0])
	return string(b[1 : 1+n]), b[1+n:], nil
}

// Publish sends one datagram. A refused destination (no listener yet) is
// reported as transport.ErrUnavailable.
func (s *Sender) Publish(topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return transport.ErrClosed
	}
	var err error
	s.buf, err = EncodeDatagram(s.buf[:0], topic, payload)
	if err != nil {
		return err
	}

	if _, err := s.conn.Write(s.buf); err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
		}
		applog.Debugf("UDP Sender: Error sending packet: %v", err)
		return fmt.Errorf("failed to send UDP packet: %w", err)
	}
	return nil
}

// Close closes the underlying UDP connection.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil // Already closed
	}
	s.closed = true

	applog.Infof("UDP Sender: Closing connection to %s", s.conn.RemoteAddr().String())
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close UDP connection: %w", err)
	}
	return nil
}

// Ensure Sender satisfies the interface at compile time.
var _ transport.Publisher = (*Sender)(nil)
