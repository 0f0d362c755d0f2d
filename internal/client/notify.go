package client

import (
	"sync"

	"github.com/parley/chat-relay/internal/protocol"
)

// Router decides what happens to an incoming relayed message: append it to
// the open chat's transcript, or record it as a notification for a chat the
// user does not have open. Notifications are deduplicated by message ID and
// kept newest first.
type Router struct {
	mu            sync.Mutex
	notifications []protocol.Message

	// OnTranscript is called for messages belonging to the open chat.
	OnTranscript func(protocol.Message)
	// OnRefresh is called whenever a new notification is recorded, so the
	// chat list can be re-rendered.
	OnRefresh func()
}

// NewRouter creates an empty notification router.
func NewRouter() *Router {
	return &Router{}
}

// HandleIncoming routes one relayed message. openChatID is the chat the
// user currently has open, or empty when no chat is open. The caller passes
// it explicitly on every call so the routing decision always uses the
// current view state, not the state captured when the handler was
// registered.
func (r *Router) HandleIncoming(msg protocol.Message, openChatID string) {
	if openChatID != "" && msg.Chat.ID == openChatID {
		if r.OnTranscript != nil {
			r.OnTranscript(msg)
		}
		return
	}

	r.mu.Lock()
	for _, n := range r.notifications {
		if n.ID == msg.ID {
			r.mu.Unlock()
			return
		}
	}
	r.notifications = append([]protocol.Message{msg}, r.notifications...)
	r.mu.Unlock()

	if r.OnRefresh != nil {
		r.OnRefresh()
	}
}

// Notifications returns a snapshot of pending notifications, newest first.
func (r *Router) Notifications() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Message, len(r.notifications))
	copy(out, r.notifications)
	return out
}

// ClearChat drops all notifications for the given chat. The chat view calls
// this when the user opens that chat.
func (r *Router) ClearChat(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.notifications[:0]
	for _, n := range r.notifications {
		if n.Chat.ID != chatID {
			kept = append(kept, n)
		}
	}
	r.notifications = kept
}
