package rooms

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chat-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// subKey identifies one (room, owner) membership.
type subKey struct {
	room  string
	owner string
}

// NATSBus implements Bus on top of NATS subjects. Each room maps to the
// subject of the same name, and each (room, owner) membership holds its own
// NATS subscription so that a single connection's membership can be released
// without touching other members on the same relay process.
type NATSBus struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[subKey]*nats.Subscription
}

// NewNATSBus connects to NATS with the given config and returns a ready bus.
// It returns an error if the initial connection fails; reconnects after that
// are handled by the NATS client per the config.
func NewNATSBus(config NATSConfig) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[rooms] nats disconnected: %v", err)
			} else {
				log.Printf("[rooms] nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[rooms] nats reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[rooms] nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("rooms: nats connect: %w", err)
	}

	log.Printf("[rooms] connected to %s", nc.ConnectedUrl())

	return &NATSBus{
		conn: nc,
		subs: make(map[subKey]*nats.Subscription),
	}, nil
}

// Subscribe adds the owner to the room. An existing membership for the same
// (room, owner) pair is replaced.
func (b *NATSBus) Subscribe(room, owner string, h Handler) error {
	sub, err := b.conn.Subscribe(room, func(msg *nats.Msg) {
		h(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("rooms: nats subscribe %s: %w", room, err)
	}

	key := subKey{room: room, owner: owner}

	b.mu.Lock()
	if prev, ok := b.subs[key]; ok {
		_ = prev.Unsubscribe()
	}
	b.subs[key] = sub
	b.mu.Unlock()
	return nil
}

// Unsubscribe removes the owner's membership in the room.
func (b *NATSBus) Unsubscribe(room, owner string) error {
	key := subKey{room: room, owner: owner}

	b.mu.Lock()
	sub, ok := b.subs[key]
	if ok {
		delete(b.subs, key)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("rooms: nats unsubscribe %s: %w", room, err)
	}
	return nil
}

// UnsubscribeAll removes every membership held by the owner.
func (b *NATSBus) UnsubscribeAll(owner string) error {
	b.mu.Lock()
	var stale []*nats.Subscription
	for key, sub := range b.subs {
		if key.owner == owner {
			stale = append(stale, sub)
			delete(b.subs, key)
		}
	}
	b.mu.Unlock()

	for _, sub := range stale {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[rooms] unsubscribe owner=%s: %v", owner, err)
		}
	}
	return nil
}

// Publish delivers data to every current member of the room.
func (b *NATSBus) Publish(room string, data []byte) error {
	return b.conn.Publish(room, data)
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *NATSBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[rooms] drain %s/%s: %v", key.room, key.owner, err)
		}
	}
	b.subs = make(map[subKey]*nats.Subscription)

	if err := b.conn.Drain(); err != nil {
		log.Printf("[rooms] connection drain: %v", err)
	}

	log.Printf("[rooms] nats bus closed")
}
