package event

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wsFrame struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f wsFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		t.Fatalf("frame is not valid json: %v (%q)", err, msg)
	}
	return f
}

func TestHubWelcomeAndEcho(t *testing.T) {
	hub := NewHub(nil, true)
	conn := dialHub(t, hub)

	if f := readFrame(t, conn); f.Event != "connected" {
		t.Fatalf("first frame event = %q, want connected", f.Event)
	}
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", hub.ClientCount())
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, conn)
	if f.Event != "echo" || f.Data["received"] != "ping" {
		t.Errorf("echo frame = %+v", f)
	}
}

// Broadcast and the echo loop share one connection, so every frame written
// while the writers race must still arrive intact.
func TestHubConcurrentBroadcastsAndEcho(t *testing.T) {
	hub := NewHub(nil, true)
	conn := dialHub(t, hub)

	if f := readFrame(t, conn); f.Event != "connected" {
		t.Fatalf("first frame event = %q, want connected", f.Event)
	}

	const (
		broadcasters  = 8
		perGoroutine  = 50
		echoedClients = 20
	)

	var wg sync.WaitGroup
	for g := 0; g < broadcasters; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				hub.Broadcast("tick", map[string]any{"n": i})
			}
		}()
	}
	for i := 0; i < echoedClients; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
			t.Fatalf("client write: %v", err)
		}
	}

	ticks, echoes := 0, 0
	for ticks+echoes < broadcasters*perGoroutine+echoedClients {
		switch f := readFrame(t, conn); f.Event {
		case "tick":
			ticks++
		case "echo":
			echoes++
		default:
			t.Fatalf("unexpected event %q", f.Event)
		}
	}
	wg.Wait()

	if ticks != broadcasters*perGoroutine {
		t.Errorf("ticks = %d, want %d", ticks, broadcasters*perGoroutine)
	}
	if echoes != echoedClients {
		t.Errorf("echoes = %d, want %d", echoes, echoedClients)
	}
	if hub.ClientCount() != 1 {
		t.Errorf("client dropped during concurrent writes, count = %d", hub.ClientCount())
	}
}
