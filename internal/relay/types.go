package relay

import (
	"errors"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
)

// ID identifies one accepted connection for its lifetime.
type ID string

// NewID mints a random (v4) connection identity.
func NewID() ID {
	return ID(uuid.NewString())
}

// Kind is the frame kind a message arrived with and is relayed as.
type Kind int

const (
	KindText Kind = iota + 1
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "text":
		return KindText, true
	case "binary":
		return KindBinary, true
	}
	return 0, false
}

func (k Kind) opCode() ws.OpCode {
	if k == KindBinary {
		return ws.OpBinary
	}
	return ws.OpText
}

func kindOf(op ws.OpCode) (Kind, bool) {
	switch op {
	case ws.OpText:
		return KindText, true
	case ws.OpBinary:
		return KindBinary, true
	}
	return 0, false
}

// Message is one inbound payload on its way to every registered peer.
type Message struct {
	Sender  ID
	Kind    Kind
	Payload []byte
}

var (
	// ErrOutboxFull is returned when a peer's outbound queue has no room left.
	ErrOutboxFull = errors.New("relay: peer outbox is full")

	// ErrPeerClosed is returned when enqueueing on a peer whose writer has stopped.
	ErrPeerClosed = errors.New("relay: peer is closed")

	// ErrServerClosed is returned by Serve after its context was cancelled.
	ErrServerClosed = errors.New("relay: server closed")
)
