package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/parley/chat-relay/internal/history"
	"github.com/parley/chat-relay/internal/protocol"
)

// historyStub serves the slice of the history API the chat view talks to.
// failPersist makes POST /message return a server error.
type historyStub struct {
	failPersist bool
	seeded      []protocol.Message
	persisted   int
}

func (h *historyStub) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", func(w http.ResponseWriter, r *http.Request) {
		if h.failPersist {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "storage unavailable"})
			return
		}
		var req struct {
			ChatID   string `json:"chat_id"`
			SenderID string `json:"sender_id"`
			Content  string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.persisted++
		msg := protocol.Message{
			ID: "canonical-1",
			Chat: protocol.Chat{
				ID: req.ChatID,
				Users: []protocol.User{
					{ID: req.SenderID, Name: "Sender"},
					{ID: "u2", Name: "Recipient"},
				},
			},
			Sender:    protocol.User{ID: req.SenderID, Name: "Sender"},
			Content:   req.Content,
			CreatedAt: time.Now().UTC(),
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(msg)
	})
	mux.HandleFunc("GET /message/{chatId}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(h.seeded)
	})
	return httptest.NewServer(mux)
}

func newTestView(t *testing.T, stub *historyStub) (*ChatView, *fakeEmitter) {
	t.Helper()
	srv := stub.server()
	t.Cleanup(srv.Close)
	emit := &fakeEmitter{ready: true}
	return NewChatView(emit, history.NewClient(srv.URL), "u1", 50*time.Millisecond), emit
}

func TestOpenSeedsTranscriptAndJoinsRoom(t *testing.T) {
	stub := &historyStub{seeded: []protocol.Message{
		{ID: "m1", Chat: protocol.Chat{ID: "chat1"}, Content: "first"},
		{ID: "m2", Chat: protocol.Chat{ID: "chat1"}, Content: "second"},
	}}
	view, emit := newTestView(t, stub)

	if err := view.Open(context.Background(), "chat1"); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	transcript := view.Transcript()
	if len(transcript) != 2 || transcript[0].ID != "m1" || transcript[1].ID != "m2" {
		t.Fatalf("transcript not seeded oldest first, got %v", transcript)
	}
	if got := emit.count("join_chat"); got != 1 {
		t.Errorf("expected 1 join_chat after open, got %d", got)
	}
}

func TestSendMessageRelaysCanonicalRecord(t *testing.T) {
	stub := &historyStub{}
	view, emit := newTestView(t, stub)
	if err := view.Open(context.Background(), "chat1"); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	emit.reset()

	msg, err := view.SendMessage(context.Background(), "hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if msg.ID != "canonical-1" {
		t.Errorf("expected canonical record from the history service, got %q", msg.ID)
	}

	if got := emit.count("new_message"); got != 1 {
		t.Fatalf("expected 1 new_message sent to relay, got %d", got)
	}
	var sent protocol.NewMessageMsg
	for _, data := range emit.sent {
		var env struct {
			Type string `json:"type"`
		}
		json.Unmarshal(data, &env)
		if env.Type == "new_message" {
			json.Unmarshal(data, &sent)
		}
	}
	if sent.Message.ID != "canonical-1" || sent.Message.Chat.ID != "chat1" {
		t.Errorf("relay payload must be the canonical record, got %+v", sent.Message)
	}

	transcript := view.Transcript()
	if len(transcript) != 1 || transcript[0].ID != "canonical-1" {
		t.Errorf("sent message should be appended locally, got %v", transcript)
	}
}

func TestSendMessageAbortsWhenPersistFails(t *testing.T) {
	stub := &historyStub{failPersist: true}
	view, emit := newTestView(t, stub)
	if err := view.Open(context.Background(), "chat1"); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	emit.reset()

	_, err := view.SendMessage(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected an error when persistence fails")
	}
	if !strings.Contains(err.Error(), "persist") {
		t.Errorf("error should name the persistence phase, got %v", err)
	}

	if got := emit.count("new_message"); got != 0 {
		t.Errorf("failed persist must produce no relay traffic, got %d sends", got)
	}
	if len(view.Transcript()) != 0 {
		t.Error("failed send must not appear in the transcript")
	}
}

func TestSendMessageRequiresOpenChat(t *testing.T) {
	stub := &historyStub{}
	view, emit := newTestView(t, stub)

	if _, err := view.SendMessage(context.Background(), "hello"); err == nil {
		t.Fatal("expected an error with no open chat")
	}
	if stub.persisted != 0 {
		t.Error("nothing should be persisted with no open chat")
	}
	if len(emit.types()) != 0 {
		t.Error("nothing should be relayed with no open chat")
	}
}

func TestIncomingMessageForOpenChatAppends(t *testing.T) {
	stub := &historyStub{}
	view, _ := newTestView(t, stub)
	if err := view.Open(context.Background(), "chat1"); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	ev := protocol.MessageReceivedMsg{
		Type:    protocol.TypeMessageReceived,
		Message: routedMessage("m9", "chat1", "u2"),
	}
	raw, _ := json.Marshal(ev)
	view.handleMessageReceived(raw)

	transcript := view.Transcript()
	if len(transcript) != 1 || transcript[0].ID != "m9" {
		t.Fatalf("incoming open-chat message should append to transcript, got %v", transcript)
	}
	if len(view.Router().Notifications()) != 0 {
		t.Error("open-chat message must not become a notification")
	}
}

func TestIncomingMessageForOtherChatNotifies(t *testing.T) {
	stub := &historyStub{}
	view, _ := newTestView(t, stub)
	if err := view.Open(context.Background(), "chat1"); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	ev := protocol.MessageReceivedMsg{
		Type:    protocol.TypeMessageReceived,
		Message: routedMessage("m9", "chat2", "u2"),
	}
	raw, _ := json.Marshal(ev)
	view.handleMessageReceived(raw)

	if len(view.Transcript()) != 0 {
		t.Error("message for another chat must not enter the transcript")
	}
	notifs := view.Router().Notifications()
	if len(notifs) != 1 || notifs[0].ID != "m9" {
		t.Fatalf("expected one notification, got %v", notifs)
	}
}

func TestOpeningChatClearsItsNotifications(t *testing.T) {
	stub := &historyStub{}
	view, _ := newTestView(t, stub)

	view.Router().HandleIncoming(routedMessage("m1", "chat2", "u2"), "")
	view.Router().HandleIncoming(routedMessage("m2", "chat3", "u3"), "")

	if err := view.Open(context.Background(), "chat2"); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	notifs := view.Router().Notifications()
	if len(notifs) != 1 || notifs[0].ID != "m2" {
		t.Fatalf("opening a chat should clear its notifications, got %v", notifs)
	}
}

func TestPeerTypingTracksOpenChatOnly(t *testing.T) {
	stub := &historyStub{}
	view, _ := newTestView(t, stub)
	if err := view.Open(context.Background(), "chat1"); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	other, _ := json.Marshal(protocol.TypingEvent{Type: protocol.TypeTyping, ChatID: "chat2"})
	view.handleTyping(other)
	if view.PeerTyping() {
		t.Error("typing in another chat must not mark the open chat")
	}

	open, _ := json.Marshal(protocol.TypingEvent{Type: protocol.TypeTyping, ChatID: "chat1"})
	view.handleTyping(open)
	if !view.PeerTyping() {
		t.Error("typing event for the open chat should set the indicator")
	}

	stop, _ := json.Marshal(protocol.TypingEvent{Type: protocol.TypeStopTyping, ChatID: "chat1"})
	view.handleStopTyping(stop)
	if view.PeerTyping() {
		t.Error("stop_typing for the open chat should clear the indicator")
	}
}
