// Package messaging provides a NATS client wrapper used as an outbound event
// firehose: the chat server publishes message and presence events for
// external consumers (notification workers, analytics). Publishing is
// fire-and-forget and the bus is optional; a nil *Bus is safe to call and
// does nothing, so the core chat path never depends on NATS availability.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns for the chat event firehose.
const (
	SubjectMessageEvents  = "chat.events.message"
	SubjectPresenceEvents = "chat.events.presence"
)

// Bus wraps the NATS connection with helper methods for publishing chat
// events and subscribing external consumers.
type Bus struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "linkup-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Connect connects to NATS with the given config and returns a ready Bus.
// It returns an error if the initial connection fails.
func Connect(config Config) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Bus{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishMessageEvent publishes a message event to the firehose. Errors are
// logged and swallowed: the firehose is advisory, never load-bearing for
// delivery.
func (b *Bus) PublishMessageEvent(data []byte) {
	if b == nil {
		return
	}
	if err := b.conn.Publish(SubjectMessageEvents, data); err != nil {
		log.Printf("[nats] publish %s: %v", SubjectMessageEvents, err)
	}
}

// PublishPresenceEvent publishes a presence transition to the firehose.
func (b *Bus) PublishPresenceEvent(data []byte) {
	if b == nil {
		return
	}
	if err := b.conn.Publish(SubjectPresenceEvents, data); err != nil {
		log.Printf("[nats] publish %s: %v", SubjectPresenceEvents, err)
	}
}

// SubscribeMessageEvents registers a handler for message events. Used by
// external consumer processes, not by the chat server itself.
func (b *Bus) SubscribeMessageEvents(handler func(data []byte)) error {
	return b.subscribe(SubjectMessageEvents, handler)
}

// SubscribePresenceEvents registers a handler for presence events.
func (b *Bus) SubscribePresenceEvents(handler func(data []byte)) error {
	return b.subscribe(SubjectPresenceEvents, handler)
}

func (b *Bus) subscribe(subject string, handler func(data []byte)) error {
	if b == nil {
		return fmt.Errorf("messaging: bus not configured")
	}
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs[subject] = sub
	b.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)

	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] bus closed")
}
