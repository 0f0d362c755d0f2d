// Package rooms provides the pub/sub substrate behind the relay's rooms. A
// room is an addressable broadcast group: anything published to a room
// reaches every connection currently subscribed to it. Room membership is
// owned entirely by the bus; the relay mutates it only through Subscribe,
// Unsubscribe, and UnsubscribeAll.
//
// Two implementations exist: a NATS-backed bus for deployments where relay
// replicas share a messaging backbone, and an in-memory bus for
// single-process deployments and tests.
package rooms

// Handler receives the raw payload of an event published to a room the owner
// is subscribed to. Handlers are invoked from the bus's delivery goroutine
// and must not block.
type Handler func(data []byte)

// Bus is the room substrate. Subscriptions are keyed by (room, owner) where
// the owner is the connection ID holding the membership, so that one
// connection's unsubscribe never disturbs another's membership in the same
// room.
type Bus interface {
	// Subscribe adds the owner to the room. Subscribing twice to the same
	// room with the same owner replaces the previous handler; callers that
	// need join-once semantics track membership themselves.
	Subscribe(room, owner string, h Handler) error

	// Unsubscribe removes the owner's membership in the room. Removing a
	// membership that does not exist is not an error.
	Unsubscribe(room, owner string) error

	// UnsubscribeAll removes every membership held by the owner. It is the
	// disconnect path: after it returns, no handler for the owner will be
	// invoked again.
	UnsubscribeAll(owner string) error

	// Publish delivers data to every current member of the room.
	Publish(room string, data []byte) error

	// Close releases the bus's resources.
	Close()
}

// Room key helpers. Personal rooms are keyed by user identity and deliver
// events to a user regardless of which chat they are viewing; chat rooms are
// keyed by chat ID.
const (
	personalPrefix = "user."
	chatPrefix     = "chat."
)

// PersonalRoom returns the room key for a user's personal address.
func PersonalRoom(userID string) string {
	return personalPrefix + userID
}

// ChatRoom returns the room key for a chat.
func ChatRoom(chatID string) string {
	return chatPrefix + chatID
}
