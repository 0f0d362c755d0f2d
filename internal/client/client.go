// Package client provides the user-facing side of the relay: a WebSocket
// connection with typed event handlers, a typing indicator state machine,
// a notification router, and a chat view that ties them together with the
// history service.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-relay/internal/protocol"
)

// Emitter is the outbound half of a relay connection. The typing indicator
// and chat view depend on it rather than on *Conn so tests can substitute
// a capture fake.
type Emitter interface {
	// Send marshals msg to JSON and writes it to the relay.
	Send(msg interface{}) error
	// Ready reports whether the connection has completed the setup
	// handshake and may carry chat traffic.
	Ready() bool
}

// Conn is a single user connection to the relay server. It connects using
// gobwas/ws (the same library the server uses), dispatches incoming events
// to registered handlers, and tracks the setup handshake.
type Conn struct {
	conn   net.Conn
	userID string

	mu        sync.Mutex // guards writes
	hmu       sync.Mutex // guards handlers
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once

	boundMu sync.Mutex
	bound   bool
}

// Dial connects to the relay at the given WebSocket URL and starts the
// read loop. The connection is not usable for chat traffic until Setup
// has completed.
func Dial(ctx context.Context, url string) (*Conn, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Conn{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Setup binds the connection to a user and blocks until the server
// acknowledges with a connected event or the context is cancelled.
func (c *Conn) Setup(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("setup: empty user id")
	}
	c.userID = userID
	if err := c.Send(protocol.SetupMsg{Type: protocol.TypeSetup, UserID: userID}); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("setup: connection closed before server acknowledged")
		case <-ticker.C:
			if c.Ready() {
				return nil
			}
		}
	}
}

// Send sends a JSON message to the relay. It is goroutine-safe.
func (c *Conn) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Ready reports whether the setup handshake has completed.
func (c *Conn) Ready() bool {
	c.boundMu.Lock()
	defer c.boundMu.Unlock()
	return c.bound
}

// UserID returns the user this connection was set up as.
func (c *Conn) UserID() string {
	return c.userID
}

// On registers a handler for a server event type. The handler receives the
// full raw JSON of the event. Handlers run on the read loop goroutine, so
// they should not block. Registering a second handler for the same type
// replaces the first.
func (c *Conn) On(eventType string, handler func(json.RawMessage)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[eventType] = handler
}

// Close closes the connection and stops the read loop. Safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.Close()
			}
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		if envelope.Type == protocol.TypeConnected {
			c.boundMu.Lock()
			c.bound = true
			c.boundMu.Unlock()
		}

		c.hmu.Lock()
		handler := c.handlers[envelope.Type]
		c.hmu.Unlock()
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
