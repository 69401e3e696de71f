// Package protocol defines the WebSocket event types and structures used for
// communication between clients and the livecast server. All events are
// serialized as JSON and follow a consistent envelope format with an event
// name discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventChatting      = "chatting"
	EventChangeScore   = "changeScore"
	EventChangePitcher = "changePitcher"
	EventPing          = "ping"
)

// Server -> Client events.
const (
	EventPeoples = "peoples"
	EventError   = "error"
	EventPong    = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the event name.
// ---------------------------------------------------------------------------

// Envelope holds the event name and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// UnmarshalJSON implements json.Unmarshaler. It captures the raw data
// payload and validates that the event name is present so the payload can be
// decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var partial struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Event == "" {
		return fmt.Errorf("protocol: missing or empty \"event\" field")
	}
	e.Event = partial.Event
	e.Data = partial.Data
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// ChattingMsg is a chat message sent by a client on the chat namespace.
// The time field is advisory; the server stamps its own clock before
// broadcasting.
type ChattingMsg struct {
	Nickname string `json:"nickname"`
	Message  string `json:"message"`
	MsgID    string `json:"msgId"`
	Time     string `json:"time,omitempty"`
	UserID   string `json:"userId"`
	Kind     string `json:"type"`
}

// ChangeScoreMsg is sent by a client on the game namespace when a run scores.
type ChangeScoreMsg struct {
	IsKtwiz bool `json:"isKtwiz"`
	Score   int  `json:"score"`
}

// ChangePitcherMsg is sent by a client on the game namespace when the
// pitcher on one side changes.
type ChangePitcherMsg struct {
	IsKtwiz bool   `json:"isKtwiz"`
	Pitcher string `json:"pitcher"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// ChattingBroadcast is the chatting event fanned out to every client. It
// echoes the inbound message with the server-stamped time and an empty
// report list, matching the shape persisted in the message log.
type ChattingBroadcast struct {
	Nickname string   `json:"nickname"`
	Message  string   `json:"message"`
	MsgID    string   `json:"msgId"`
	Time     string   `json:"time"`
	UserID   string   `json:"userId"`
	Kind     string   `json:"type"`
	Report   []Report `json:"report"`
}

// Report is one moderation report attached to a broadcast or logged message.
type Report struct {
	UserID string `json:"userId"`
	Kind   string `json:"type"`
}

// PeoplesMsg carries the current presence count for a namespace.
type PeoplesMsg struct {
	Count int64 `json:"count"`
}

// ErrorMsg is sent to a client when its event could not be processed.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Parsing and construction
// ---------------------------------------------------------------------------

// ParseClientMessage decodes raw WebSocket frame bytes into the concrete
// message struct for the event. It returns the event name, the parsed
// message, and an error for malformed or unknown events.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, err
	}

	switch env.Event {
	case EventChatting:
		var msg ChattingMsg
		if err := unmarshalData(env.Data, &msg); err != nil {
			return env.Event, nil, err
		}
		return env.Event, msg, nil

	case EventChangeScore:
		var msg ChangeScoreMsg
		if err := unmarshalData(env.Data, &msg); err != nil {
			return env.Event, nil, err
		}
		return env.Event, msg, nil

	case EventChangePitcher:
		var msg ChangePitcherMsg
		if err := unmarshalData(env.Data, &msg); err != nil {
			return env.Event, nil, err
		}
		return env.Event, msg, nil

	case EventPing:
		return env.Event, PingMsg{}, nil

	default:
		return env.Event, nil, fmt.Errorf("protocol: unknown event %q", env.Event)
	}
}

// NewServerMessage builds the JSON bytes for a server-to-client event with
// the given payload, ready to write as a WebSocket text frame.
func NewServerMessage(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", event, err)
	}
	out, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s envelope: %w", event, err)
	}
	return out, nil
}

// unmarshalData decodes an event payload, treating an absent payload as an
// empty object so events without data still parse.
func unmarshalData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal payload: %w", err)
	}
	return nil
}
