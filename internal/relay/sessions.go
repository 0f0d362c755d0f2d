// Package relay implements the server-side core of the chat relay: the
// connection session manager, which binds live connections to user identities
// and chat rooms, and the room broadcaster, which fans events out to room
// members. Room membership itself is owned by the rooms.Bus substrate;
// this package mutates it only through Bind, JoinChat, and Disconnect.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/parley/chat-relay/internal/metrics"
	"github.com/parley/chat-relay/internal/protocol"
	"github.com/parley/chat-relay/internal/rooms"
	"github.com/parley/chat-relay/internal/session"
)

// Sender delivers raw event bytes to the connection identified by connID.
// The ws server's SendMessage satisfies this signature.
type Sender func(connID string, data []byte) error

// connState tracks one connection's bindings. joined mirrors the bus
// memberships so that JoinChat can be a no-op for rooms already joined.
type connState struct {
	userID string
	joined map[string]bool // chatID -> joined
}

// Sessions is the connection session manager. It owns the mapping from live
// connections to user identities and joined chat rooms, and tears all of it
// down on disconnect.
type Sessions struct {
	bus      rooms.Bus
	send     Sender
	registry *session.Store // optional Redis mirror, may be nil

	mu    sync.Mutex
	conns map[string]*connState
}

// NewSessions creates a session manager over the given bus. Events arriving
// on any room a connection is subscribed to are forwarded to that connection
// via send. The registry may be nil; when present, bindings are mirrored to
// Redis for observability.
func NewSessions(bus rooms.Bus, send Sender, registry *session.Store) *Sessions {
	return &Sessions{
		bus:      bus,
		send:     send,
		registry: registry,
		conns:    make(map[string]*connState),
	}
}

// Bind associates the connection with the user's personal address. It is
// idempotent: binding an already-bound connection to the same user does
// nothing. Binding to a different user replaces the personal subscription.
// Bind must be called before any JoinChat. The binding is recorded only
// after the personal subscription succeeds, so a failed bind can be
// retried and will subscribe again rather than short-circuit as already
// bound.
func (s *Sessions) Bind(ctx context.Context, connID, userID string) error {
	if userID == "" {
		return errEmptyUserID
	}

	s.mu.Lock()
	st, ok := s.conns[connID]
	if ok && st.userID == userID {
		s.mu.Unlock()
		return nil // already bound
	}
	prevUser := ""
	if ok {
		prevUser = st.userID
	}
	s.mu.Unlock()

	if prevUser != "" {
		if err := s.bus.Unsubscribe(rooms.PersonalRoom(prevUser), connID); err != nil {
			log.Printf("relay: release personal address user=%s conn=%s: %v", prevUser, connID, err)
		}
	}

	if err := s.bus.Subscribe(rooms.PersonalRoom(userID), connID, s.forwarder(connID)); err != nil {
		// Nothing was committed, so a client retrying setup goes through the
		// full subscribe again. A rebind has already released the previous
		// personal subscription, so the old binding must not stay recorded
		// either: clear it so the retry is a fresh bind.
		if prevUser != "" {
			s.mu.Lock()
			if st, ok := s.conns[connID]; ok && st.userID == prevUser {
				st.userID = ""
				metrics.SessionsBound.Dec()
			}
			s.mu.Unlock()
		}
		return err
	}

	s.mu.Lock()
	st, ok = s.conns[connID]
	if !ok {
		st = &connState{joined: make(map[string]bool)}
		s.conns[connID] = st
	}
	wasBound := st.userID != ""
	st.userID = userID
	s.mu.Unlock()

	if !wasBound {
		metrics.SessionsBound.Inc()
	}

	if s.registry != nil {
		if err := s.registry.Bind(ctx, connID, userID); err != nil {
			log.Printf("relay: registry bind conn=%s: %v", connID, err)
		}
	}

	log.Printf("relay: bound conn=%s user=%s", connID, userID)
	return nil
}

// JoinChat adds the connection to the room keyed by chatID. It is a no-op if
// the connection already joined the room. The relay performs no chat
// membership validation; authorization is enforced upstream.
func (s *Sessions) JoinChat(ctx context.Context, connID, chatID string) error {
	if chatID == "" {
		return errEmptyChatID
	}

	s.mu.Lock()
	st, ok := s.conns[connID]
	if !ok || st.userID == "" {
		s.mu.Unlock()
		return errNotBound
	}
	if st.joined[chatID] {
		s.mu.Unlock()
		return nil // already a member
	}
	st.joined[chatID] = true
	s.mu.Unlock()

	if err := s.bus.Subscribe(rooms.ChatRoom(chatID), connID, s.forwarder(connID)); err != nil {
		s.mu.Lock()
		delete(st.joined, chatID)
		s.mu.Unlock()
		return err
	}

	if s.registry != nil {
		if err := s.registry.AddRoom(ctx, connID, chatID); err != nil {
			log.Printf("relay: registry join conn=%s chat=%s: %v", connID, chatID, err)
		}
	}

	log.Printf("relay: conn=%s joined chat=%s", connID, chatID)
	return nil
}

// Disconnect releases every room membership held by the connection, personal
// address included. It is registered against the transport's real disconnect
// signal, so abrupt closes release resources the same way graceful ones do.
func (s *Sessions) Disconnect(ctx context.Context, connID string) {
	s.mu.Lock()
	st, ok := s.conns[connID]
	delete(s.conns, connID)
	s.mu.Unlock()

	if err := s.bus.UnsubscribeAll(connID); err != nil {
		log.Printf("relay: release rooms conn=%s: %v", connID, err)
	}

	if ok && st.userID != "" {
		metrics.SessionsBound.Dec()
	}

	if s.registry != nil {
		if err := s.registry.Delete(ctx, connID); err != nil {
			log.Printf("relay: registry delete conn=%s: %v", connID, err)
		}
	}

	if ok {
		log.Printf("relay: conn=%s disconnected user=%s rooms=%d", connID, st.userID, len(st.joined))
	}
}

// UserID returns the user the connection is bound to, or "" if unbound.
func (s *Sessions) UserID(connID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.conns[connID]; ok {
		return st.userID
	}
	return ""
}

// forwarder returns the bus handler for one connection. It unwraps the room
// envelope, drops events originated by the connection itself, and writes the
// inner payload to the client.
func (s *Sessions) forwarder(connID string) rooms.Handler {
	return func(data []byte) {
		var ev protocol.RoomEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("relay: bad room event for conn=%s: %v", connID, err)
			return
		}
		if ev.Origin == connID {
			return // don't echo to the originator
		}
		if err := s.send(connID, ev.Data); err != nil {
			log.Printf("relay: forward to conn=%s failed: %v", connID, err)
		}
	}
}
