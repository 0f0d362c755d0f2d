package ws

import (
	"log"

	"github.com/parley/chat-relay/internal/protocol"
)

// MessageHandler handles one parsed client event. The msg parameter is the
// concrete struct returned by protocol.ParseClientMessage (protocol.SetupMsg,
// protocol.NewMessageMsg, and so on).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes inbound WebSocket events to registered handlers by
// event type. The keepalive ping is answered internally; malformed or
// unsupported events get a structured error reply and are otherwise dropped.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a dispatcher. The server may be nil at
// construction time and assigned later with SetServer, since NewServer needs
// the Dispatch callback.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer assigns the Server reference on the dispatcher.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a handler with an event type, replacing any previous
// handler for that type.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed event, answers ping internally, and routes everything else to
// the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, "parse_error", "invalid event format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported event type=%q conn=%s", msgType, conn.ID)
		d.sendError(conn, "unsupported_type", "unsupported event type")
		return
	}

	handler(conn, msg)
}

// sendError sends a structured error event back to the client. Failures here
// are logged and swallowed.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error event conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error event conn=%s: %v", conn.ID, err)
	}
}

// sendPong answers a client ping and refreshes the connection's liveness
// timestamp.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong conn=%s: %v", conn.ID, err)
	}
}
