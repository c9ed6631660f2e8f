package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/jgnickerson/wsrelay/internal/metrics"
)

// handle runs one connection through handshake, registration, relaying and
// termination. Nothing that fails here reaches other connections.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	log := s.log.With("remote_addr", conn.RemoteAddr().String())

	if err := s.handshake(conn); err != nil {
		log.Warn("websocket handshake failed", "error", err)
		metrics.ConnectionsTotal.WithLabelValues("handshake_failed").Inc()
		return
	}

	id := NewID()
	log = log.With("peer_id", string(id))
	peer := newPeer(id, conn, s.outboxSize, s.writeTimeout, log)
	if !s.registry.Register(peer) {
		log.Error("connection identity already registered")
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		return
	}
	peer.start()
	metrics.ConnectionsTotal.WithLabelValues("registered").Inc()
	metrics.ConnectionsCurrent.Inc()
	connected := time.Now()
	log.Info("peer registered")

	err := s.readLoop(peer)

	s.registry.Deregister(id)
	peer.stop()
	metrics.ConnectionsCurrent.Dec()
	metrics.ConnectionDuration.Observe(time.Since(connected).Seconds())
	log.Info("peer disconnected", "reason", closeReason(err))
	if err != nil && !isNormalClose(err) {
		log.Debug("read loop ended with error", "error", err)
	}
}

func (s *Server) handshake(conn net.Conn) error {
	if s.handshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.handshakeTimeout))
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}
	_, err := ws.Upgrade(conn)
	return err
}

// readLoop relays text and binary messages from p until the stream ends.
// Control frames are answered in place; any other frame is dropped.
func (s *Server) readLoop(p *Peer) error {
	rd := &wsutil.Reader{
		Source:         p.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: p.handleControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := p.handleControl(hdr, rd); err != nil {
				return err
			}
			continue
		}

		kind, ok := kindOf(hdr.OpCode)
		if !ok {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}
		payload, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		metrics.MessagesReceived.WithLabelValues(kind.String()).Inc()
		s.broadcast(Message{Sender: p.id, Kind: kind, Payload: payload}, true)
	}
}

// handleControl answers ping and close frames. The reply is buffered so it
// goes out in a single write under the peer's write lock.
func (p *Peer) handleControl(h ws.Header, r io.Reader) error {
	var reply bytes.Buffer
	ch := wsutil.ControlHandler{
		Src:                 r,
		Dst:                 &reply,
		State:               ws.StateServerSide,
		DisableSrcCiphering: true,
	}
	err := ch.Handle(h)
	if reply.Len() > 0 {
		if werr := p.writeRaw(reply.Bytes()); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func isNormalClose(err error) bool {
	var closed wsutil.ClosedError
	return err == nil || errors.As(err, &closed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func closeReason(err error) string {
	var closed wsutil.ClosedError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &closed):
		return "close frame"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	default:
		return "read error"
	}
}
