package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// Option configures a Server.
type Option func(s *Server) error

// Forwarder receives every locally originated message after local fan-out.
type Forwarder interface {
	Forward(msg Message) error
}

// WithLogger overrides slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) error {
		if log == nil {
			return errors.New("relay.WithLogger: logger is nil")
		}
		s.log = log
		return nil
	}
}

// WithMaxConnections bounds the number of concurrently handled connections.
// When the limit is reached the accept loop waits for a slot; 0 means unbounded.
func WithMaxConnections(n int) Option {
	return func(s *Server) error {
		if n < 0 {
			return fmt.Errorf("relay.WithMaxConnections: invalid limit (%d)", n)
		}
		if n == 0 {
			s.gate = nil
			return nil
		}
		s.gate = semaphore.NewWeighted(int64(n))
		return nil
	}
}

// WithOutboxSize sets how many messages may wait for one peer's writer.
func WithOutboxSize(n int) Option {
	return func(s *Server) error {
		if n <= 0 {
			return fmt.Errorf("relay.WithOutboxSize: invalid size (%d)", n)
		}
		s.outboxSize = n
		return nil
	}
}

// WithSelfEcho controls whether a sender receives its own messages.
func WithSelfEcho(echo bool) Option {
	return func(s *Server) error {
		s.selfEcho = echo
		return nil
	}
}

// WithHandshakeTimeout bounds the WebSocket upgrade; 0 disables the deadline.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d < 0 {
			return fmt.Errorf("relay.WithHandshakeTimeout: invalid timeout (%v)", d)
		}
		s.handshakeTimeout = d
		return nil
	}
}

// WithWriteTimeout bounds every outbound frame write; 0 disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d < 0 {
			return fmt.Errorf("relay.WithWriteTimeout: invalid timeout (%v)", d)
		}
		s.writeTimeout = d
		return nil
	}
}

// WithForwarder attaches a Forwarder, e.g. a bridge to other relay instances.
func WithForwarder(f Forwarder) Option {
	return func(s *Server) error {
		if s.forwarder != nil {
			return errors.New("relay.WithForwarder: forwarder already set up")
		}
		s.forwarder = f
		return nil
	}
}
