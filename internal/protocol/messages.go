// Package protocol defines the WebSocket event types and structures exchanged
// between chat clients and the relay. All events are serialized as JSON and
// follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Relay event types.
const (
	TypeSetup      = "setup"
	TypeJoinChat   = "join_chat"
	TypeTyping     = "typing"
	TypeStopTyping = "stop_typing"
	TypeNewMessage = "new_message"
	TypePing       = "ping"
)

// Relay -> Client event types.
const (
	TypeConnected       = "connected"
	TypeMessageReceived = "message_received"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Domain records
// ---------------------------------------------------------------------------

// User identifies a chat participant. Only the ID is required on the wire;
// the name is carried when the history service has resolved it.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Chat is the chat record attached to each message event. The relay does not
// own chat membership; it trusts the member list resolved by the history
// service at persist time.
type Chat struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	IsGroup bool   `json:"is_group,omitempty"`
	Users   []User `json:"users"`
}

// Message is the canonical message record as returned by the history service.
// It is immutable once persisted; the ID is the notification dedup key.
type Message struct {
	ID        string    `json:"id"`
	Chat      Chat      `json:"chat"`
	Sender    User      `json:"sender"`
	Content   string    `json:"content"`
	FileURL   string    `json:"file_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Relay event structs
// ---------------------------------------------------------------------------

// SetupMsg binds the connection to the user's personal address. It must be
// sent before any join_chat.
type SetupMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// JoinChatMsg adds the connection to the room keyed by the chat ID.
type JoinChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// TypingMsg signals that the sender started typing in a chat. The relay
// forwards it verbatim to the other members of the chat room.
type TypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// StopTypingMsg signals that the sender stopped typing in a chat.
type StopTypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// NewMessageMsg carries a freshly persisted message for fan-out. The embedded
// record must be the canonical message returned by the history service, never
// the client draft.
type NewMessageMsg struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Relay -> Client event structs
// ---------------------------------------------------------------------------

// ConnectedMsg acknowledges a successful setup.
type ConnectedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// TypingEvent is the relayed typing indicator delivered to chat room members.
type TypingEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// MessageReceivedMsg delivers a message to a recipient's personal address.
type MessageReceivedMsg struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// RateLimitedMsg is sent when the client exceeded the message rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg communicates an error condition to the client.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the relay's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Room payload
// ---------------------------------------------------------------------------

// RoomEvent is the payload published on room subjects. Origin carries the
// publishing connection's ID so that subscribers can filter out their own
// events; Data holds the fully built relay->client event bytes.
type RoomEvent struct {
	Origin string          `json:"origin,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// relay-only event types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSetup:
		var m SetupMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinChat:
		var m JoinChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewMessage:
		var m NewMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a relay->client
// event. The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
