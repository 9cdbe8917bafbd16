package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vap-net/dispatcher/internal/logging"
)

var upgrader = websocket.Upgrader{}

// chatServer is a minimal room server: it acks join_job with joined, and
// records frames it receives.
type chatServer struct {
	srv      *httptest.Server
	received chan frame
	outbound chan frame
	tokens   chan string
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	cs := &chatServer{
		received: make(chan frame, 16),
		outbound: make(chan frame, 16),
		tokens:   make(chan string, 16),
	}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/socket") {
			http.NotFound(w, r)
			return
		}
		cs.tokens <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			for f := range cs.outbound {
				if err := conn.WriteJSON(f); err != nil {
					return
				}
			}
		}()
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			cs.received <- f
			if f.Event == "join_job" {
				_ = conn.WriteJSON(frame{Event: "joined", Data: f.Data})
			}
		}
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func newTestTransport(t *testing.T, cs *chatServer) *Transport {
	t.Helper()
	origin, err := url.Parse(cs.srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	token := func(ctx context.Context) (string, error) { return "tok-1", nil }
	return New(origin, token, http.Header{}, logging.New(false))
}

func TestJoinAndReceive(t *testing.T) {
	cs := newChatServer(t)
	tr := newTestTransport(t, cs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	// Wait for the handshake, then join a room.
	select {
	case tok := <-cs.tokens:
		if tok != "tok-1" {
			t.Errorf("token = %q, want tok-1", tok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no handshake")
	}

	deadline := time.After(2 * time.Second)
	for {
		if err := tr.Join("j1"); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Join never succeeded")
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case f := <-cs.received:
		if f.Event != "join_job" {
			t.Errorf("first frame = %q, want join_job", f.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive join_job")
	}

	// Server pushes a buyer message; it must arrive on the inbound channel.
	data, _ := json.Marshal(Message{JobID: "j1", Sender: "buyer@", Content: "hello"})
	cs.outbound <- frame{Event: "message", Data: data}

	select {
	case m := <-tr.Messages():
		if m.JobID != "j1" || m.Sender != "buyer@" || m.Content != "hello" {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message not delivered")
	}
}

func TestSendOutbound(t *testing.T) {
	cs := newChatServer(t)
	tr := newTestTransport(t, cs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)
	<-cs.tokens

	deadline := time.After(2 * time.Second)
	for {
		if err := tr.Send("j1", "reply text"); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Send never succeeded")
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case f := <-cs.received:
		if f.Event != "message" {
			t.Fatalf("frame = %q, want message", f.Event)
		}
		var m Message
		if err := json.Unmarshal(f.Data, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m.JobID != "j1" || m.Content != "reply text" {
			t.Errorf("sent = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the message")
	}
}

func TestReconnectRejoinsRooms(t *testing.T) {
	cs := newChatServer(t)
	tr := newTestTransport(t, cs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)
	<-cs.tokens

	deadline := time.After(2 * time.Second)
	for {
		if err := tr.Join("j1"); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Join never succeeded")
		case <-time.After(10 * time.Millisecond):
		}
	}
	<-cs.received // join_job

	// Kill the connection server-side; the transport should redial and
	// rejoin within a few reconnect periods.
	tr.closeConn()

	select {
	case <-cs.tokens: // second handshake
	case <-time.After(3 * reconnectDelay):
		t.Fatal("no reconnect")
	}
	select {
	case f := <-cs.received:
		if f.Event != "join_job" {
			t.Errorf("frame after reconnect = %q, want join_job", f.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("room not rejoined after reconnect")
	}
}
