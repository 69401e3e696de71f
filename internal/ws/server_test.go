package ws

import (
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
)

func TestShutdown_DisconnectFiresOncePerConnection(t *testing.T) {
	s := NewServer(DefaultServerConfig(), []string{"chat"}, nil)

	var mu sync.Mutex
	fired := map[string]int{}
	s.SetOnDisconnect(func(c *Connection) {
		mu.Lock()
		fired[c.ID]++
		mu.Unlock()
	})

	c1, _ := pipeConnection(t, "s1", "chat")
	c2, _ := pipeConnection(t, "s2", "chat")
	s.conns.Add(c1)
	s.conns.Add(c2)

	// A read worker tears one connection down just before shutdown runs
	// over its snapshot.
	s.RemoveConnection(c1)

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"s1", "s2"} {
		if fired[id] != 1 {
			t.Errorf("onDisconnect for %s fired %d times, want 1", id, fired[id])
		}
	}
	if s.conns.Count() != 0 {
		t.Errorf("connections remaining = %d, want 0", s.conns.Count())
	}
}

func TestHandleConn_RejectsOversizedFrameClaim(t *testing.T) {
	config := DefaultServerConfig()
	config.MaxFrameBytes = 1024

	s := NewServer(config, []string{"chat"}, func(conn *Connection, data []byte) {
		t.Error("onMessage invoked for an oversized frame")
	})

	conn, client := pipeConnection(t, "big", "chat")
	s.conns.Add(conn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleConn(conn.Conn)
	}()

	// Claim 1 MiB of payload without sending any of it.
	header := ws.Header{
		Fin:    true,
		OpCode: ws.OpText,
		Masked: true,
		Length: 1 << 20,
	}
	if err := ws.WriteHeader(client, header); err != nil {
		t.Fatalf("write frame header: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConn did not return")
	}

	if s.conns.Get("big") != nil {
		t.Error("oversized frame left the connection registered")
	}
}
