package ws

import (
	"log"
	"time"

	"github.com/ballpark/livecast/internal/protocol"
)

// EventHandler is the callback signature for handling a parsed client event.
// The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.ChattingMsg).
type EventHandler func(conn *Connection, msg interface{})

// EventDispatcher routes incoming WebSocket events to registered handlers
// based on the event name. Handlers are registered per namespace so the same
// event name can mean different things on different namespaces. The built-in
// ping/pong keepalive is handled internally.
type EventDispatcher struct {
	handlers map[string]map[string]EventHandler // namespace -> event -> handler
}

// NewEventDispatcher creates an empty EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[string]map[string]EventHandler),
	}
}

// Register associates an EventHandler with an event name on a namespace. If
// a handler was already registered for the pair, it is silently replaced.
func (d *EventDispatcher) Register(namespace, event string, handler EventHandler) {
	ns, ok := d.handlers[namespace]
	if !ok {
		ns = make(map[string]EventHandler)
		d.handlers[namespace] = ns
	}
	ns[event] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw
// bytes into a typed event, handles ping internally, and routes all other
// events to the handler registered for the connection's namespace. Parse
// errors and unregistered events result in an error message sent back to
// the client.
func (d *EventDispatcher) Dispatch(conn *Connection, data []byte) {
	event, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s ns=%s: %v", conn.ID, conn.Namespace, err)
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	// Built-in ping handler, no registration required.
	if event == protocol.EventPing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[conn.Namespace][event]
	if !ok {
		log.Printf("ws: unsupported event=%q ns=%s conn=%s", event, conn.Namespace, conn.ID)
		d.sendError(conn, "unsupported_event", "unsupported event for namespace")
		return
	}

	handler(conn, msg)
}

// sendError sends a structured error event back to the client. Errors during
// message construction or transmission are logged but not propagated.
func (d *EventDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.EventError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error message conn=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping with a pong event and refreshes the
// connection's LastPing timestamp.
func (d *EventDispatcher) sendPong(conn *Connection) {
	conn.LastPing = time.Now()

	data, err := protocol.NewServerMessage(protocol.EventPong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong message conn=%s: %v", conn.ID, err)
	}
}
