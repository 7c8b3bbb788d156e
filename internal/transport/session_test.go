package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received [][]byte
	conns    []*websocket.Conn
	echo     bool
}

func newWSServer(t *testing.T, echo bool) *wsServer {
	t.Helper()
	ws := &wsServer{echo: echo}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.mu.Unlock()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ws.mu.Lock()
			ws.received = append(ws.received, data)
			ws.mu.Unlock()
			if ws.echo {
				conn.WriteMessage(messageType, data)
			}
		}
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsServer) frames() [][]byte {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	copied := make([][]byte, len(ws.received))
	copy(copied, ws.received)
	return copied
}

func (ws *wsServer) closeConns() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, conn := range ws.conns {
		conn.Close()
	}
}

func dialTest(t *testing.T, cfg Config) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session, err := Dial(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func TestDialSendReceive(t *testing.T) {
	server := newWSServer(t, true)
	session := dialTest(t, Config{URL: server.url(), DialTimeout: time.Second, WriteTimeout: time.Second})

	sent := []byte{1, 2, 3, 4}
	if err := session.Send(sent); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-session.Inbound():
		if string(got) != string(sent) {
			t.Fatalf("echo mismatch: sent %v got %v", sent, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no echo within deadline")
	}
}

func TestDialFailureIsConnectError(t *testing.T) {
	server := newWSServer(t, false)
	url := server.url()
	server.srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Dial(ctx, Config{URL: url, DialTimeout: 200 * time.Millisecond}, nil); !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
}

func TestClosedSignalOnServerDrop(t *testing.T) {
	server := newWSServer(t, false)
	session := dialTest(t, Config{URL: server.url(), DialTimeout: time.Second})

	server.closeConns()

	select {
	case <-session.Closed():
	case <-time.After(2 * time.Second):
		t.Fatalf("closed signal never fired")
	}
	if session.Err() == nil {
		t.Fatalf("expected a close reason after server drop")
	}
	if err := session.Send([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after drop, got %v", err)
	}
}

func TestLocalCloseCancelsEverything(t *testing.T) {
	server := newWSServer(t, false)
	session := dialTest(t, Config{URL: server.url(), DialTimeout: time.Second})

	if err := session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-session.Closed():
	case <-time.After(2 * time.Second):
		t.Fatalf("closed signal never fired after local close")
	}
	if session.Err() != nil {
		t.Fatalf("local close must not record an error, got %v", session.Err())
	}
}

func TestHeartbeatEmission(t *testing.T) {
	server := newWSServer(t, false)
	beat := []byte{0xbe, 0xef}
	session := dialTest(t, Config{
		URL:               server.url(),
		DialTimeout:       time.Second,
		WriteTimeout:      time.Second,
		HeartbeatInterval: 20 * time.Millisecond,
		Heartbeat:         func() ([]byte, error) { return beat, nil },
	})
	defer session.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(server.frames()) >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected at least 2 heartbeats, got %d", len(server.frames()))
}
