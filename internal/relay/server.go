package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jgnickerson/wsrelay/internal/metrics"
	"golang.org/x/sync/semaphore"
)

const (
	defaultOutboxSize       = 256
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second

	maxAcceptBackoff = time.Second
)

// Server accepts WebSocket connections and relays every message to all
// registered peers.
type Server struct {
	log              *slog.Logger
	registry         *Registry
	gate             *semaphore.Weighted
	forwarder        Forwarder
	outboxSize       int
	selfEcho         bool
	handshakeTimeout time.Duration
	writeTimeout     time.Duration

	wg sync.WaitGroup
}

// NewServer builds a Server. Without options it relays to every peer,
// sender included, with no connection limit.
func NewServer(options ...Option) (*Server, error) {
	s := &Server{
		log:              slog.Default(),
		registry:         NewRegistry(),
		outboxSize:       defaultOutboxSize,
		selfEcho:         true,
		handshakeTimeout: defaultHandshakeTimeout,
		writeTimeout:     defaultWriteTimeout,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		if err := option(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Listen binds the relay endpoint.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("relay: listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Peers returns the number of registered connections.
func (s *Server) Peers() int {
	return s.registry.Len()
}

// Serve accepts connections on ln until ctx is cancelled or ln fails for
// good, handling each one in its own goroutine. Serve closes ln and waits
// for every handler before returning. After cancellation it returns
// ErrServerClosed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.Info("relay accepting connections", "addr", ln.Addr().String())

	err := s.acceptLoop(ctx, ln)
	cancel()
	s.wg.Wait()
	if ctx.Err() != nil && errors.Is(err, net.ErrClosed) {
		return ErrServerClosed
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var backoff time.Duration
	for {
		if s.gate != nil {
			if err := s.gate.Acquire(ctx, 1); err != nil {
				return net.ErrClosed
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			s.release()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("relay: accept: %w", err)
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			s.log.Error("accept failed", "error", err, "retry_in", backoff)
			metrics.AcceptErrors.Inc()
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) release() {
	if s.gate != nil {
		s.gate.Release(1)
	}
}

// Inject broadcasts a message that entered from outside this server, for
// example through a bridge. It is not forwarded again.
func (s *Server) Inject(msg Message) {
	s.broadcast(msg, false)
}

func (s *Server) broadcast(msg Message, local bool) {
	start := time.Now()
	res := s.registry.Broadcast(msg, s.selfEcho)
	metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	metrics.Deliveries.WithLabelValues("delivered").Add(float64(res.Delivered))
	metrics.Deliveries.WithLabelValues("skipped").Add(float64(res.Skipped))
	metrics.Deliveries.WithLabelValues("failed").Add(float64(len(res.Failed)))

	for _, f := range res.Failed {
		s.log.Warn("delivery failed", "peer_id", string(f.Peer), "sender", string(msg.Sender), "error", f.Err)
	}
	s.log.Debug("message relayed",
		"sender", string(msg.Sender),
		"kind", msg.Kind.String(),
		"bytes", len(msg.Payload),
		"recipients", res.Recipients,
		"delivered", res.Delivered,
	)

	if local && s.forwarder != nil {
		if err := s.forwarder.Forward(msg); err != nil {
			s.log.Warn("forward failed", "sender", string(msg.Sender), "error", err)
		}
	}
}
