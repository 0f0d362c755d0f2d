package relay

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/parley/chat-relay/internal/metrics"
	"github.com/parley/chat-relay/internal/protocol"
	"github.com/parley/chat-relay/internal/rooms"
)

var (
	errEmptyUserID = errors.New("relay: empty user id")
	errEmptyChatID = errors.New("relay: empty chat id")
	errNotBound    = errors.New("relay: connection not bound to a user")
)

// Broadcaster fans events out to room members. It keeps no state of its own;
// membership lives in the bus and the member list for messages comes from the
// chat record attached to each event.
type Broadcaster struct {
	bus rooms.Bus
}

// NewBroadcaster creates a broadcaster over the given bus.
func NewBroadcaster(bus rooms.Bus) *Broadcaster {
	return &Broadcaster{bus: bus}
}

// RelayTyping publishes a typing or stop-typing indicator to the chat room.
// The origin connection ID travels in the room envelope so that each
// subscriber can drop its own events; every other member of the room
// receives the indicator.
func (b *Broadcaster) RelayTyping(chatID, originConnID string, typing bool) {
	phase := protocol.TypeTyping
	if !typing {
		phase = protocol.TypeStopTyping
	}

	data, err := protocol.NewServerMessage(phase, protocol.TypingEvent{ChatID: chatID})
	if err != nil {
		log.Printf("relay: build %s event chat=%s: %v", phase, chatID, err)
		return
	}

	if err := b.publish(rooms.ChatRoom(chatID), originConnID, data); err != nil {
		log.Printf("relay: relay %s chat=%s: %v", phase, chatID, err)
		return
	}
	metrics.TypingEvents.WithLabelValues(phase).Inc()
}

// RelayMessage delivers a message_received event carrying the full canonical
// message to the personal address of every chat member except the sender.
// Personal-address delivery (rather than chat-room delivery) is what lets a
// recipient be notified while viewing a different chat or no chat at all.
//
// An event whose chat carries no members is malformed: it is logged and
// dropped without error, matching the protocol-violation policy.
func (b *Broadcaster) RelayMessage(msg protocol.Message) {
	if len(msg.Chat.Users) == 0 {
		log.Printf("relay: new_message without chat members, dropping message=%s chat=%s",
			msg.ID, msg.Chat.ID)
		metrics.MessagesRelayed.WithLabelValues("malformed").Inc()
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		Message: msg,
	})
	if err != nil {
		log.Printf("relay: build message_received message=%s: %v", msg.ID, err)
		return
	}

	start := time.Now()
	for _, u := range msg.Chat.Users {
		if u.ID == msg.Sender.ID {
			continue
		}
		if err := b.publish(rooms.PersonalRoom(u.ID), "", data); err != nil {
			// Per-recipient delivery failures stay local; the remaining
			// members still get their copy.
			log.Printf("relay: deliver message=%s to user=%s: %v", msg.ID, u.ID, err)
		}
	}
	metrics.FanoutLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesRelayed.WithLabelValues("delivered").Inc()
}

// publish wraps the payload in a room envelope and publishes it.
func (b *Broadcaster) publish(room, origin string, payload []byte) error {
	wrapped, err := json.Marshal(protocol.RoomEvent{Origin: origin, Data: payload})
	if err != nil {
		return err
	}
	return b.bus.Publish(room, wrapped)
}
