package relay

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/jgnickerson/wsrelay/internal/metrics"
)

// Peer is the outbound half of one connection: a bounded queue drained by a
// dedicated writer goroutine. Once registered it is owned by the Registry.
type Peer struct {
	id           ID
	conn         net.Conn
	log          *slog.Logger
	writeTimeout time.Duration

	// writeMu serializes data frames from the writer with control replies
	// written on behalf of the read loop.
	writeMu sync.Mutex

	outbox   chan Message
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newPeer(id ID, conn net.Conn, outboxSize int, writeTimeout time.Duration, log *slog.Logger) *Peer {
	if outboxSize < 1 {
		outboxSize = 1
	}
	return &Peer{
		id:           id,
		conn:         conn,
		log:          log,
		writeTimeout: writeTimeout,
		outbox:       make(chan Message, outboxSize),
		done:         make(chan struct{}),
	}
}

// ID returns the connection identity the peer is registered under.
func (p *Peer) ID() ID {
	return p.id
}

// Enqueue queues msg for delivery without blocking.
func (p *Peer) Enqueue(msg Message) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.outbox <- msg:
		return nil
	default:
		return ErrOutboxFull
	}
}

func (p *Peer) start() {
	p.wg.Add(1)
	go p.writeLoop()
}

func (p *Peer) writeLoop() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.outbox:
			start := time.Now()
			if err := p.writeFrame(msg.Kind.opCode(), msg.Payload); err != nil {
				// The read loop notices the closed connection and deregisters.
				p.log.Warn("write failed, closing connection", "error", err)
				metrics.PeerWriteFailures.Inc()
				p.shutdown()
				return
			}
			metrics.MessageWriteDuration.Observe(time.Since(start).Seconds())
		case <-p.done:
			return
		}
	}
}

func (p *Peer) writeFrame(op ws.OpCode, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.setWriteDeadline()
	return wsutil.WriteServerMessage(p.conn, op, payload)
}

// writeRaw writes already encoded frames, used for ping/close replies.
func (p *Peer) writeRaw(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.setWriteDeadline()
	_, err := p.conn.Write(b)
	return err
}

func (p *Peer) setWriteDeadline() {
	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
}

func (p *Peer) shutdown() {
	p.stopOnce.Do(func() {
		close(p.done)
		if p.conn != nil {
			_ = p.conn.Close()
		}
	})
}

// stop closes the connection and waits for the writer to exit.
// Messages still queued are dropped.
func (p *Peer) stop() {
	p.shutdown()
	p.wg.Wait()
}
