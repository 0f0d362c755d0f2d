package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/parley/chat-relay/internal/protocol"
	"github.com/parley/chat-relay/internal/rooms"
)

// capture records every payload sent to each connection.
type capture struct {
	mu    sync.Mutex
	sends map[string][][]byte
}

func newCapture() *capture {
	return &capture{sends: make(map[string][][]byte)}
}

func (c *capture) send(connID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends[connID] = append(c.sends[connID], data)
	return nil
}

func (c *capture) count(connID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends[connID])
}

func (c *capture) last(t *testing.T, connID string) map[string]json.RawMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.sends[connID]
	if len(msgs) == 0 {
		t.Fatalf("no messages sent to %s", connID)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(msgs[len(msgs)-1], &decoded); err != nil {
		t.Fatalf("payload to %s is not JSON: %v", connID, err)
	}
	return decoded
}

func eventType(t *testing.T, fields map[string]json.RawMessage) string {
	t.Helper()
	var typ string
	if err := json.Unmarshal(fields["type"], &typ); err != nil {
		t.Fatalf("missing type field: %v", err)
	}
	return typ
}

func testMessage(id, chatID, senderID string, memberIDs ...string) protocol.Message {
	users := make([]protocol.User, len(memberIDs))
	for i, id := range memberIDs {
		users[i] = protocol.User{ID: id}
	}
	return protocol.Message{
		ID:      id,
		Chat:    protocol.Chat{ID: chatID, Users: users},
		Sender:  protocol.User{ID: senderID},
		Content: "hi",
	}
}

// ---------------------------------------------------------------------------
// Session manager
// ---------------------------------------------------------------------------

func TestBindIsIdempotent(t *testing.T) {
	bus := rooms.NewMemoryBus()
	cap := newCapture()
	sessions := NewSessions(bus, cap.send, nil)
	ctx := context.Background()

	if err := sessions.Bind(ctx, "conn-1", "u1"); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := sessions.Bind(ctx, "conn-1", "u1"); err != nil {
		t.Fatalf("second bind: %v", err)
	}

	if n := bus.Members(rooms.PersonalRoom("u1")); n != 1 {
		t.Errorf("expected 1 personal-room member after double bind, got %d", n)
	}
	if got := sessions.UserID("conn-1"); got != "u1" {
		t.Errorf("expected bound user u1, got %q", got)
	}
}

func TestBindRejectsEmptyUser(t *testing.T) {
	sessions := NewSessions(rooms.NewMemoryBus(), newCapture().send, nil)
	if err := sessions.Bind(context.Background(), "conn-1", ""); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

// flakyBus fails the first N Subscribe calls, then behaves normally.
type flakyBus struct {
	*rooms.MemoryBus
	failures int
}

func (b *flakyBus) Subscribe(room, owner string, h rooms.Handler) error {
	if b.failures > 0 {
		b.failures--
		return errors.New("bus unavailable")
	}
	return b.MemoryBus.Subscribe(room, owner, h)
}

func TestBindRetriesAfterSubscribeFailure(t *testing.T) {
	mb := rooms.NewMemoryBus()
	bus := &flakyBus{MemoryBus: mb, failures: 1}
	cap := newCapture()
	sessions := NewSessions(bus, cap.send, nil)
	ctx := context.Background()

	if err := sessions.Bind(ctx, "conn-1", "u1"); err == nil {
		t.Fatal("expected error when the personal subscribe fails")
	}
	if got := sessions.UserID("conn-1"); got != "" {
		t.Fatalf("failed bind must not be recorded, got user %q", got)
	}

	// The retry must subscribe for real, not short-circuit on the stale
	// binding.
	if err := sessions.Bind(ctx, "conn-1", "u1"); err != nil {
		t.Fatalf("retry bind failed: %v", err)
	}
	if got := mb.Members(rooms.PersonalRoom("u1")); got != 1 {
		t.Fatalf("expected 1 personal subscription after retry, got %d", got)
	}

	NewBroadcaster(mb).RelayMessage(testMessage("m1", "c1", "u2", "u1", "u2"))
	if cap.count("conn-1") != 1 {
		t.Fatalf("expected message delivery after retry bind, got %d sends", cap.count("conn-1"))
	}
}

func TestRebindFailureLeavesConnUnbound(t *testing.T) {
	mb := rooms.NewMemoryBus()
	bus := &flakyBus{MemoryBus: mb}
	cap := newCapture()
	sessions := NewSessions(bus, cap.send, nil)
	ctx := context.Background()

	if err := sessions.Bind(ctx, "conn-1", "u1"); err != nil {
		t.Fatalf("bind failed: %v", err)
	}

	// Rebinding to another user releases u1's subscription first; when the
	// new subscribe then fails, neither binding may remain.
	bus.failures = 1
	if err := sessions.Bind(ctx, "conn-1", "u2"); err == nil {
		t.Fatal("expected error when the rebind subscribe fails")
	}
	if got := sessions.UserID("conn-1"); got != "" {
		t.Fatalf("connection should be unbound after failed rebind, got %q", got)
	}

	if err := sessions.Bind(ctx, "conn-1", "u2"); err != nil {
		t.Fatalf("retry bind failed: %v", err)
	}
	if got := mb.Members(rooms.PersonalRoom("u2")); got != 1 {
		t.Fatalf("expected 1 personal subscription for u2, got %d", got)
	}
}

func TestJoinRequiresBind(t *testing.T) {
	sessions := NewSessions(rooms.NewMemoryBus(), newCapture().send, nil)
	if err := sessions.JoinChat(context.Background(), "conn-1", "c1"); err == nil {
		t.Fatal("expected error joining before bind")
	}
}

func TestJoinTwiceKeepsOneMembership(t *testing.T) {
	bus := rooms.NewMemoryBus()
	sessions := NewSessions(bus, newCapture().send, nil)
	ctx := context.Background()

	sessions.Bind(ctx, "conn-1", "u1")
	if err := sessions.JoinChat(ctx, "conn-1", "c1"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if err := sessions.JoinChat(ctx, "conn-1", "c1"); err != nil {
		t.Fatalf("second join: %v", err)
	}

	if n := bus.Members(rooms.ChatRoom("c1")); n != 1 {
		t.Errorf("expected 1 chat-room member after double join, got %d", n)
	}
}

func TestDisconnectReleasesAllRooms(t *testing.T) {
	bus := rooms.NewMemoryBus()
	cap := newCapture()
	sessions := NewSessions(bus, cap.send, nil)
	broadcaster := NewBroadcaster(bus)
	ctx := context.Background()

	sessions.Bind(ctx, "conn-1", "u1")
	sessions.JoinChat(ctx, "conn-1", "c1")
	sessions.JoinChat(ctx, "conn-1", "c2")

	sessions.Disconnect(ctx, "conn-1")

	if n := bus.Members(rooms.PersonalRoom("u1")); n != 0 {
		t.Errorf("personal room still has %d members after disconnect", n)
	}
	if n := bus.Members(rooms.ChatRoom("c1")); n != 0 {
		t.Errorf("chat c1 still has %d members after disconnect", n)
	}
	if n := bus.Members(rooms.ChatRoom("c2")); n != 0 {
		t.Errorf("chat c2 still has %d members after disconnect", n)
	}

	// Nothing may reach the connection after teardown.
	broadcaster.RelayMessage(testMessage("m1", "c1", "u9", "u9", "u1"))
	broadcaster.RelayTyping("c1", "conn-9", true)
	if got := cap.count("conn-1"); got != 0 {
		t.Errorf("expected 0 deliveries after disconnect, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Broadcaster: message fan-out
// ---------------------------------------------------------------------------

// Scenario: chat c1 has members u1 and u2; u1 sends m1. u2's personal
// address receives exactly one message_received carrying m1; u1 receives
// nothing.
func TestRelayMessageReachesEveryMemberExceptSender(t *testing.T) {
	bus := rooms.NewMemoryBus()
	cap := newCapture()
	sessions := NewSessions(bus, cap.send, nil)
	broadcaster := NewBroadcaster(bus)
	ctx := context.Background()

	sessions.Bind(ctx, "conn-1", "u1")
	sessions.Bind(ctx, "conn-2", "u2")

	broadcaster.RelayMessage(testMessage("m1", "c1", "u1", "u1", "u2"))

	if got := cap.count("conn-2"); got != 1 {
		t.Fatalf("expected exactly 1 delivery to u2, got %d", got)
	}
	if got := cap.count("conn-1"); got != 0 {
		t.Errorf("expected 0 deliveries to sender, got %d", got)
	}

	fields := cap.last(t, "conn-2")
	if typ := eventType(t, fields); typ != protocol.TypeMessageReceived {
		t.Errorf("expected %s event, got %s", protocol.TypeMessageReceived, typ)
	}
	var msg protocol.Message
	if err := json.Unmarshal(fields["message"], &msg); err != nil {
		t.Fatalf("message payload: %v", err)
	}
	if msg.ID != "m1" {
		t.Errorf("expected message id m1, got %q", msg.ID)
	}
}

// Delivery goes to personal addresses, so a recipient who never joined the
// chat room (viewing another chat, or no chat) is still notified.
func TestRelayMessageReachesMembersOutsideTheRoom(t *testing.T) {
	bus := rooms.NewMemoryBus()
	cap := newCapture()
	sessions := NewSessions(bus, cap.send, nil)
	broadcaster := NewBroadcaster(bus)
	ctx := context.Background()

	sessions.Bind(ctx, "conn-1", "u1")
	sessions.JoinChat(ctx, "conn-1", "c1")
	sessions.Bind(ctx, "conn-2", "u2")
	sessions.JoinChat(ctx, "conn-2", "c2") // u2 is viewing a different chat

	broadcaster.RelayMessage(testMessage("m1", "c1", "u1", "u1", "u2"))

	if got := cap.count("conn-2"); got != 1 {
		t.Errorf("expected 1 delivery to u2 despite not being in room c1, got %d", got)
	}
}

func TestRelayMessageGroupChat(t *testing.T) {
	bus := rooms.NewMemoryBus()
	cap := newCapture()
	sessions := NewSessions(bus, cap.send, nil)
	broadcaster := NewBroadcaster(bus)
	ctx := context.Background()

	for _, pair := range [][2]string{{"conn-1", "u1"}, {"conn-2", "u2"}, {"conn-3", "u3"}} {
		sessions.Bind(ctx, pair[0], pair[1])
	}

	broadcaster.RelayMessage(testMessage("m1", "c1", "u2", "u1", "u2", "u3"))

	if got := cap.count("conn-1"); got != 1 {
		t.Errorf("u1: expected 1 delivery, got %d", got)
	}
	if got := cap.count("conn-2"); got != 0 {
		t.Errorf("sender u2: expected 0 deliveries, got %d", got)
	}
	if got := cap.count("conn-3"); got != 1 {
		t.Errorf("u3: expected 1 delivery, got %d", got)
	}
}

// A new-message event whose chat carries no members is malformed: zero
// broadcasts and no fault.
func TestRelayMessageWithoutMembersIsDropped(t *testing.T) {
	bus := rooms.NewMemoryBus()
	cap := newCapture()
	sessions := NewSessions(bus, cap.send, nil)
	broadcaster := NewBroadcaster(bus)
	ctx := context.Background()

	sessions.Bind(ctx, "conn-1", "u1")
	sessions.Bind(ctx, "conn-2", "u2")

	broadcaster.RelayMessage(testMessage("m1", "c1", "u1"))

	if got := cap.count("conn-1") + cap.count("conn-2"); got != 0 {
		t.Errorf("expected 0 deliveries for memberless message, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Broadcaster: typing fan-out
// ---------------------------------------------------------------------------

func TestRelayTypingExcludesOrigin(t *testing.T) {
	bus := rooms.NewMemoryBus()
	cap := newCapture()
	sessions := NewSessions(bus, cap.send, nil)
	broadcaster := NewBroadcaster(bus)
	ctx := context.Background()

	sessions.Bind(ctx, "conn-1", "u1")
	sessions.JoinChat(ctx, "conn-1", "c1")
	sessions.Bind(ctx, "conn-2", "u2")
	sessions.JoinChat(ctx, "conn-2", "c1")

	broadcaster.RelayTyping("c1", "conn-1", true)

	if got := cap.count("conn-1"); got != 0 {
		t.Errorf("origin: expected 0 deliveries, got %d", got)
	}
	if got := cap.count("conn-2"); got != 1 {
		t.Fatalf("member: expected 1 delivery, got %d", got)
	}

	fields := cap.last(t, "conn-2")
	if typ := eventType(t, fields); typ != protocol.TypeTyping {
		t.Errorf("expected typing event, got %s", typ)
	}

	broadcaster.RelayTyping("c1", "conn-1", false)
	fields = cap.last(t, "conn-2")
	if typ := eventType(t, fields); typ != protocol.TypeStopTyping {
		t.Errorf("expected stop_typing event, got %s", typ)
	}
}

func TestRelayTypingSkipsNonMembers(t *testing.T) {
	bus := rooms.NewMemoryBus()
	cap := newCapture()
	sessions := NewSessions(bus, cap.send, nil)
	broadcaster := NewBroadcaster(bus)
	ctx := context.Background()

	sessions.Bind(ctx, "conn-1", "u1")
	sessions.JoinChat(ctx, "conn-1", "c1")
	sessions.Bind(ctx, "conn-2", "u2") // bound but never joined c1

	broadcaster.RelayTyping("c1", "conn-1", true)

	if got := cap.count("conn-2"); got != 0 {
		t.Errorf("non-member: expected 0 typing deliveries, got %d", got)
	}
}
