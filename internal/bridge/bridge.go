// Package bridge joins several relay instances into one broadcast domain
// over a NATS subject. Every instance publishes the messages its own
// clients send and re-broadcasts what the others publish.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jgnickerson/wsrelay/internal/metrics"
	"github.com/jgnickerson/wsrelay/internal/relay"
	"github.com/nats-io/nats.go"
)

const (
	headerInstance = "Wsrelay-Instance"
	headerSender   = "Wsrelay-Sender"
	headerKind     = "Wsrelay-Kind"
)

// ErrInvalidMessage is returned when a bridged message lacks relay headers.
var ErrInvalidMessage = errors.New("bridge: message without relay headers")

// Bridge publishes local messages to NATS and delivers remote ones.
type Bridge struct {
	nc       *nats.Conn
	subject  string
	instance string
	log      *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// Connect dials NATS at url. The connection reconnects forever; messages
// published while disconnected are buffered by the client library.
func Connect(url, subject string, log *slog.Logger) (*Bridge, error) {
	if subject == "" {
		return nil, errors.New("bridge: subject is required")
	}
	if log == nil {
		log = slog.Default()
	}
	instance := uuid.NewString()
	log = log.With("component", "bridge", "instance", instance)

	nc, err := nats.Connect(url,
		nats.Name("wsrelay-"+instance),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.BridgeConnected.Set(0)
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.BridgeConnected.Set(1)
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			metrics.BridgeConnected.Set(0)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bridge: connect to %s: %w", url, err)
	}
	metrics.BridgeConnected.Set(1)
	log.Info("NATS bridge connected", "url", nc.ConnectedUrl(), "subject", subject)

	return &Bridge{
		nc:       nc,
		subject:  subject,
		instance: instance,
		log:      log,
	}, nil
}

// Instance returns the identifier stamped on everything this bridge publishes.
func (b *Bridge) Instance() string {
	return b.instance
}

// Forward publishes a locally originated message.
func (b *Bridge) Forward(msg relay.Message) error {
	m := nats.NewMsg(b.subject)
	m.Header.Set(headerInstance, b.instance)
	m.Header.Set(headerSender, string(msg.Sender))
	m.Header.Set(headerKind, msg.Kind.String())
	m.Data = msg.Payload

	if err := b.nc.PublishMsg(m); err != nil {
		metrics.BridgeErrors.Inc()
		return fmt.Errorf("bridge: publish: %w", err)
	}
	metrics.BridgeMessages.WithLabelValues("published").Inc()
	return nil
}

// Subscribe starts delivering messages published by other instances.
// NATS calls deliver sequentially, so per-sender order is kept.
func (b *Bridge) Subscribe(deliver func(relay.Message)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return errors.New("bridge: already subscribed")
	}

	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		msg, instance, err := decode(m)
		if err != nil {
			metrics.BridgeMessages.WithLabelValues("invalid").Inc()
			b.log.Warn("dropping bridged message", "error", err)
			return
		}
		if instance == b.instance {
			metrics.BridgeMessages.WithLabelValues("own").Inc()
			return
		}
		metrics.BridgeMessages.WithLabelValues("received").Inc()
		deliver(msg)
	})
	if err != nil {
		return fmt.Errorf("bridge: subscribe to %s: %w", b.subject, err)
	}
	b.sub = sub

	// Make sure the server knows about the subscription before returning.
	if err := b.nc.Flush(); err != nil {
		return fmt.Errorf("bridge: flush: %w", err)
	}
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
	b.mu.Unlock()
	b.nc.Close()
}

func decode(m *nats.Msg) (relay.Message, string, error) {
	if m.Header == nil {
		return relay.Message{}, "", ErrInvalidMessage
	}
	instance := m.Header.Get(headerInstance)
	sender := m.Header.Get(headerSender)
	kind, ok := relay.ParseKind(m.Header.Get(headerKind))
	if instance == "" || sender == "" || !ok {
		return relay.Message{}, "", ErrInvalidMessage
	}
	return relay.Message{
		Sender:  relay.ID(sender),
		Kind:    kind,
		Payload: m.Data,
	}, instance, nil
}
