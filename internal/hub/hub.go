// Package hub is the composition root binding the WebSocket namespaces to
// the presence counter, the fan-out bus, and the message log. It owns no
// persistent state of its own; every handler orchestrates the three
// collaborators per the namespace's delivery/durability contract.
package hub

import (
	"context"
	"log"
	"time"

	"github.com/ballpark/livecast/internal/chat"
	"github.com/ballpark/livecast/internal/chatlog"
	"github.com/ballpark/livecast/internal/metrics"
	"github.com/ballpark/livecast/internal/protocol"
	"github.com/ballpark/livecast/internal/ratelimit"
	"github.com/ballpark/livecast/internal/ws"
)

// Namespace names served by the hub.
const (
	NamespaceChat = "chat"
	NamespaceGame = "game"
)

// ChatChannel is the logical channel backing the shared chat log.
const ChatChannel = "chat"

const storeTimeout = 5 * time.Second

// Namespaces returns the namespaces the server should accept upgrades for.
func Namespaces() []string {
	return []string{NamespaceChat, NamespaceGame}
}

// Store is the slice of the message log the hub writes to.
type Store interface {
	AppendMessage(ctx context.Context, channel string, msg chatlog.Message) error
	GetOrCreateGameRecord(ctx context.Context, gameID string) (*chatlog.GameRecord, error)
	AppendScore(ctx context.Context, gameID string, ktwiz bool, score int) error
	SetPitcher(ctx context.Context, gameID string, ktwiz bool, pitcher string) error
}

// Presence is the distributed connection counter for the chat namespace.
type Presence interface {
	Increment(ctx context.Context, channel string) (int64, error)
	Decrement(ctx context.Context, channel string) (int64, error)
}

// Broadcaster fans an encoded frame out to every instance's sockets on a
// namespace.
type Broadcaster interface {
	Broadcast(namespace string, data []byte)
}

// Limiter throttles per-connection events.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Hub routes namespace events between connections and the shared stores.
type Hub struct {
	server   *ws.Server
	bus      Broadcaster
	presence Presence
	store    Store
	limiter  Limiter
}

// New creates a Hub over the given collaborators. Bind must be called with
// the server and bus before any connection traffic arrives.
func New(store Store, counter Presence, limiter Limiter) *Hub {
	return &Hub{
		presence: counter,
		store:    store,
		limiter:  limiter,
	}
}

// Bind attaches the WebSocket server and fan-out bus. This supports the
// initialization order where the hub's callbacks are needed to construct
// the server and bus themselves.
func (h *Hub) Bind(server *ws.Server, bus Broadcaster) {
	h.server = server
	h.bus = bus
}

// DeliverLocal writes a frame to every local socket on the namespace. It is
// the bus's local-delivery callback, invoked for frames arriving from any
// instance (this one included) and for degraded local-only broadcasts.
func (h *Hub) DeliverLocal(namespace string, data []byte) {
	h.server.Connections().Broadcast(namespace, data)
}

// RegisterHandlers wires the per-namespace event handlers into the
// dispatcher.
func (h *Hub) RegisterHandlers(d *ws.EventDispatcher) {
	d.Register(NamespaceChat, protocol.EventChatting, h.handleChatting)
	d.Register(NamespaceGame, protocol.EventChangeScore, h.handleChangeScore)
	d.Register(NamespaceGame, protocol.EventChangePitcher, h.handleChangePitcher)
}

// HandleConnect runs when a client attaches to a namespace. Chat
// connections bump the distributed presence counter and fan out the new
// count; a presence store failure means no count is broadcast, so clients
// never see a value the store didn't produce.
func (h *Hub) HandleConnect(conn *ws.Connection) {
	if conn.Namespace != NamespaceChat {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	count, err := h.presence.Increment(ctx, ChatChannel)
	if err != nil {
		log.Printf("hub: presence increment failed conn=%s: %v", conn.ID, err)
		return
	}
	h.broadcastCount(count)
}

// HandleDisconnect mirrors HandleConnect for connection teardown.
func (h *Hub) HandleDisconnect(conn *ws.Connection) {
	if conn.Namespace != NamespaceChat {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	count, err := h.presence.Decrement(ctx, ChatChannel)
	if err != nil {
		log.Printf("hub: presence decrement failed conn=%s: %v", conn.ID, err)
		return
	}
	h.broadcastCount(count)
}

// broadcastCount fans out the current presence count on the chat namespace.
func (h *Hub) broadcastCount(count int64) {
	frame, err := protocol.NewServerMessage(protocol.EventPeoples, protocol.PeoplesMsg{Count: count})
	if err != nil {
		log.Printf("hub: build peoples event: %v", err)
		return
	}
	h.bus.Broadcast(NamespaceChat, frame)
}

// handleChatting fans out a chat message to every instance immediately,
// then appends it to the message log in a detached goroutine. Durability is
// best-effort relative to delivery: a failed append is logged and counted
// but never rolls back the already-broadcast event.
func (h *Hub) handleChatting(conn *ws.Connection, msg interface{}) {
	chatMsg, ok := msg.(protocol.ChattingMsg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	allowed, _ := h.limiter.Allow(ctx, conn.ID, ratelimit.RuleChat)
	if !allowed {
		h.sendError(conn, "rate_limited", "too many messages")
		return
	}

	if err := chat.ValidateMessage(chatMsg.Nickname, chatMsg.Message); err != nil {
		h.sendError(conn, "invalid_message", err.Error())
		return
	}

	// Server clock wins over the client-supplied time field.
	timestamp := formatChatTime(time.Now())

	frame, err := protocol.NewServerMessage(protocol.EventChatting, protocol.ChattingBroadcast{
		Nickname: chatMsg.Nickname,
		Message:  chatMsg.Message,
		MsgID:    chatMsg.MsgID,
		Time:     timestamp,
		UserID:   chatMsg.UserID,
		Kind:     chatMsg.Kind,
		Report:   []protocol.Report{},
	})
	if err != nil {
		log.Printf("hub: build chatting event conn=%s: %v", conn.ID, err)
		return
	}
	h.bus.Broadcast(NamespaceChat, frame)

	// Detached append; the delivery above does not wait for it and a
	// disconnect mid-write just discards the result.
	go func() {
		appendCtx, appendCancel := context.WithTimeout(context.Background(), storeTimeout)
		defer appendCancel()

		err := h.store.AppendMessage(appendCtx, ChatChannel, chatlog.Message{
			Nickname:  chatMsg.Nickname,
			Message:   chatMsg.Message,
			MsgID:     chatMsg.MsgID,
			Timestamp: timestamp,
			UserID:    chatMsg.UserID,
			Kind:      chatMsg.Kind,
			Report:    []chatlog.Report{},
		})
		if err != nil {
			log.Printf("hub: append message msgId=%s failed: %v", chatMsg.MsgID, err)
			metrics.PersistenceFailures.WithLabelValues("append_message").Inc()
		}
	}()
}

// handleChangeScore resolves today's game record, appends the score, and
// only then fans out the event. Unlike chat, broadcast is ordered after
// persistence: the displayed score depends on the record the append landed
// in, so a store failure produces no broadcast.
func (h *Hub) handleChangeScore(conn *ws.Connection, msg interface{}) {
	scoreMsg, ok := msg.(protocol.ChangeScoreMsg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	gameID := chatlog.DateID(time.Now())
	if _, err := h.store.GetOrCreateGameRecord(ctx, gameID); err != nil {
		log.Printf("hub: resolve game record %s: %v", gameID, err)
		h.sendError(conn, "store_error", "failed to record score")
		return
	}
	if err := h.store.AppendScore(ctx, gameID, scoreMsg.IsKtwiz, scoreMsg.Score); err != nil {
		log.Printf("hub: append score game=%s: %v", gameID, err)
		h.sendError(conn, "store_error", "failed to record score")
		return
	}

	frame, err := protocol.NewServerMessage(protocol.EventChangeScore, scoreMsg)
	if err != nil {
		log.Printf("hub: build changeScore event conn=%s: %v", conn.ID, err)
		return
	}
	h.bus.Broadcast(NamespaceGame, frame)
}

// handleChangePitcher updates the pitcher on today's record and echoes the
// event to the game namespace. Same persist-then-broadcast ordering as
// score changes.
func (h *Hub) handleChangePitcher(conn *ws.Connection, msg interface{}) {
	pitcherMsg, ok := msg.(protocol.ChangePitcherMsg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	gameID := chatlog.DateID(time.Now())
	if _, err := h.store.GetOrCreateGameRecord(ctx, gameID); err != nil {
		log.Printf("hub: resolve game record %s: %v", gameID, err)
		h.sendError(conn, "store_error", "failed to change pitcher")
		return
	}
	if err := h.store.SetPitcher(ctx, gameID, pitcherMsg.IsKtwiz, pitcherMsg.Pitcher); err != nil {
		log.Printf("hub: set pitcher game=%s: %v", gameID, err)
		h.sendError(conn, "store_error", "failed to change pitcher")
		return
	}

	frame, err := protocol.NewServerMessage(protocol.EventChangePitcher, pitcherMsg)
	if err != nil {
		log.Printf("hub: build changePitcher event conn=%s: %v", conn.ID, err)
		return
	}
	h.bus.Broadcast(NamespaceGame, frame)
}

// sendError sends a structured error event to a single client.
func (h *Hub) sendError(conn *ws.Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.EventError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("hub: build error event conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("hub: send error event conn=%s: %v", conn.ID, err)
	}
}

// formatChatTime renders the timestamp attached to chat messages. The
// layout is hour:seconds with an AM/PM suffix, kept for compatibility with
// existing clients that display the field verbatim.
func formatChatTime(t time.Time) string {
	return t.Format("3:05 PM")
}
