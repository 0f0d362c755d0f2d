package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/parley/chat-relay/internal/protocol"
)

// HistoryAPI is the slice of the history service the chat view needs.
// *history.Client satisfies it.
type HistoryAPI interface {
	CreateMessage(ctx context.Context, chatID, senderID, content string) (protocol.Message, error)
	UploadFile(ctx context.Context, chatID, senderID, filename string, file io.Reader) (protocol.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]protocol.Message, error)
}

// ChatView is the stateful client-side session: the open chat, its
// transcript, the typing indicator, and the notification router. Sending a
// message is a two-phase pipeline: persist through the history service
// first, then hand the canonical record to the relay for fan-out. A persist
// failure aborts the send and nothing reaches the relay.
type ChatView struct {
	emit    Emitter
	api     HistoryAPI
	router  *Router
	userID  string
	quiet   time.Duration

	mu         sync.Mutex
	openChatID string
	transcript []protocol.Message
	indicator  *Indicator
	peerTyping bool
}

// NewChatView creates a view for the given user. quiet sets the typing
// indicator's quiet window; zero selects the default.
func NewChatView(emit Emitter, api HistoryAPI, userID string, quiet time.Duration) *ChatView {
	v := &ChatView{
		emit:   emit,
		api:    api,
		router: NewRouter(),
		userID: userID,
		quiet:  quiet,
	}
	v.router.OnTranscript = v.appendTranscript
	return v
}

// Router exposes the notification router so callers can observe pending
// notifications and register a refresh callback.
func (v *ChatView) Router() *Router {
	return v.router
}

// BindHandlers registers the view's event handlers on the connection.
func (v *ChatView) BindHandlers(c *Conn) {
	c.On(protocol.TypeMessageReceived, v.handleMessageReceived)
	c.On(protocol.TypeTyping, v.handleTyping)
	c.On(protocol.TypeStopTyping, v.handleStopTyping)
}

// Open switches the view to a chat: it seeds the transcript from the
// history service, joins the chat room for typing events, and clears any
// pending notifications for that chat. The previous chat's typing burst,
// if any, is ended first.
func (v *ChatView) Open(ctx context.Context, chatID string) error {
	if chatID == "" {
		return fmt.Errorf("open chat: empty chat id")
	}

	msgs, err := v.api.ListMessages(ctx, chatID)
	if err != nil {
		return fmt.Errorf("open chat: seed transcript: %w", err)
	}

	v.mu.Lock()
	if v.indicator != nil {
		old := v.indicator
		v.mu.Unlock()
		old.Stop()
		v.mu.Lock()
	}
	v.openChatID = chatID
	v.transcript = msgs
	v.indicator = NewIndicator(v.emit, chatID, v.quiet)
	v.peerTyping = false
	v.mu.Unlock()

	v.router.ClearChat(chatID)

	if err := v.emit.Send(protocol.JoinChatMsg{
		Type:   protocol.TypeJoinChat,
		ChatID: chatID,
	}); err != nil {
		return fmt.Errorf("open chat: join room: %w", err)
	}
	return nil
}

// Keystroke forwards keyboard activity to the open chat's typing indicator.
func (v *ChatView) Keystroke() {
	v.mu.Lock()
	ind := v.indicator
	v.mu.Unlock()
	if ind != nil {
		ind.Keystroke()
	}
}

// SendMessage persists the draft and relays the canonical record. If the
// history service rejects the draft the send is aborted and no relay
// traffic is produced.
func (v *ChatView) SendMessage(ctx context.Context, content string) (protocol.Message, error) {
	v.mu.Lock()
	chatID := v.openChatID
	ind := v.indicator
	v.mu.Unlock()
	if chatID == "" {
		return protocol.Message{}, fmt.Errorf("send message: no open chat")
	}
	if ind != nil {
		ind.Stop()
	}

	msg, err := v.api.CreateMessage(ctx, chatID, v.userID, content)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("send message: persist: %w", err)
	}
	return v.relay(msg)
}

// SendFile uploads a file attachment and relays the canonical record. Like
// SendMessage, an upload failure aborts the send.
func (v *ChatView) SendFile(ctx context.Context, filename string, file io.Reader) (protocol.Message, error) {
	v.mu.Lock()
	chatID := v.openChatID
	ind := v.indicator
	v.mu.Unlock()
	if chatID == "" {
		return protocol.Message{}, fmt.Errorf("send file: no open chat")
	}
	if ind != nil {
		ind.Stop()
	}

	msg, err := v.api.UploadFile(ctx, chatID, v.userID, filename, file)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("send file: persist: %w", err)
	}
	return v.relay(msg)
}

func (v *ChatView) relay(msg protocol.Message) (protocol.Message, error) {
	if err := v.emit.Send(protocol.NewMessageMsg{
		Type:    protocol.TypeNewMessage,
		Message: msg,
	}); err != nil {
		return protocol.Message{}, fmt.Errorf("relay message: %w", err)
	}
	v.appendTranscript(msg)
	return msg, nil
}

// Transcript returns a snapshot of the open chat's messages, oldest first.
func (v *ChatView) Transcript() []protocol.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]protocol.Message, len(v.transcript))
	copy(out, v.transcript)
	return out
}

// OpenChatID returns the currently open chat, or empty.
func (v *ChatView) OpenChatID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.openChatID
}

// PeerTyping reports whether another member of the open chat is typing.
func (v *ChatView) PeerTyping() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peerTyping
}

func (v *ChatView) appendTranscript(msg protocol.Message) {
	v.mu.Lock()
	v.transcript = append(v.transcript, msg)
	v.mu.Unlock()
}

func (v *ChatView) handleMessageReceived(raw json.RawMessage) {
	var ev protocol.MessageReceivedMsg
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Printf("client: malformed message_received event: %v", err)
		return
	}
	v.router.HandleIncoming(ev.Message, v.OpenChatID())
}

func (v *ChatView) handleTyping(raw json.RawMessage) {
	v.setPeerTyping(raw, true)
}

func (v *ChatView) handleStopTyping(raw json.RawMessage) {
	v.setPeerTyping(raw, false)
}

func (v *ChatView) setPeerTyping(raw json.RawMessage, typing bool) {
	var ev protocol.TypingEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}
	v.mu.Lock()
	if ev.ChatID == v.openChatID {
		v.peerTyping = typing
	}
	v.mu.Unlock()
}
