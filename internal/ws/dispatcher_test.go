package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ballpark/livecast/internal/protocol"
)

func TestDispatch_RoutesToNamespaceHandler(t *testing.T) {
	d := NewEventDispatcher()

	handled := make(chan protocol.ChangeScoreMsg, 1)
	d.Register("game", protocol.EventChangeScore, func(conn *Connection, msg interface{}) {
		scoreMsg, ok := msg.(protocol.ChangeScoreMsg)
		if !ok {
			t.Errorf("handler got %T, want ChangeScoreMsg", msg)
			return
		}
		handled <- scoreMsg
	})

	conn, _ := pipeConnection(t, "g1", "game")
	d.Dispatch(conn, []byte(`{"event":"changeScore","data":{"isKtwiz":true,"score":2}}`))

	select {
	case msg := <-handled:
		if !msg.IsKtwiz || msg.Score != 2 {
			t.Errorf("handler received %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestDispatch_EventOnWrongNamespaceSendsError(t *testing.T) {
	d := NewEventDispatcher()
	d.Register("game", protocol.EventChangeScore, func(conn *Connection, msg interface{}) {
		t.Error("game handler invoked for chat connection")
	})

	conn, client := pipeConnection(t, "c1", "chat")

	done := make(chan []byte, 1)
	go func() {
		done <- readServerFrame(t, client)
	}()

	d.Dispatch(conn, []byte(`{"event":"changeScore","data":{"isKtwiz":true,"score":2}}`))

	select {
	case data := <-done:
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal reply: %v", err)
		}
		if env.Event != protocol.EventError {
			t.Errorf("reply event = %q, want %q", env.Event, protocol.EventError)
		}
	case <-time.After(time.Second):
		t.Fatal("no error reply received")
	}
}

func TestDispatch_ParseErrorSendsError(t *testing.T) {
	d := NewEventDispatcher()
	conn, client := pipeConnection(t, "c1", "chat")

	done := make(chan []byte, 1)
	go func() {
		done <- readServerFrame(t, client)
	}()

	d.Dispatch(conn, []byte(`not json`))

	select {
	case data := <-done:
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal reply: %v", err)
		}
		if env.Event != protocol.EventError {
			t.Errorf("reply event = %q, want %q", env.Event, protocol.EventError)
		}
		var payload protocol.ErrorMsg
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload.Code != "parse_error" {
			t.Errorf("error code = %q, want parse_error", payload.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("no error reply received")
	}
}

func TestDispatch_PingGetsPong(t *testing.T) {
	d := NewEventDispatcher()
	conn, client := pipeConnection(t, "c1", "chat")

	before := conn.LastPing

	done := make(chan []byte, 1)
	go func() {
		done <- readServerFrame(t, client)
	}()

	time.Sleep(10 * time.Millisecond) // so the refreshed LastPing is observable
	d.Dispatch(conn, []byte(`{"event":"ping"}`))

	select {
	case data := <-done:
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal reply: %v", err)
		}
		if env.Event != protocol.EventPong {
			t.Errorf("reply event = %q, want %q", env.Event, protocol.EventPong)
		}
	case <-time.After(time.Second):
		t.Fatal("no pong received")
	}

	if !conn.LastPing.After(before) {
		t.Error("LastPing was not refreshed by ping")
	}
}
