// Package chat adapts the marketplace realtime transport. One Transport is
// held per identity; it joins per-job rooms, fans inbound buyer turns into a
// channel, and serialises outbound sends. A dropped connection is redialled
// every 2 seconds and all previously joined rooms are rejoined.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vap-net/dispatcher/internal/logging"
)

// reconnectDelay is the pause between redial attempts.
const reconnectDelay = 2 * time.Second

// Message is one inbound buyer turn.
type Message struct {
	JobID   string `json:"jobId"`
	Sender  string `json:"senderVerusId"`
	Content string `json:"content"`
}

// frame is the wire envelope for both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TokenFunc returns a fresh short-lived chat token for the handshake.
type TokenFunc func(ctx context.Context) (string, error)

// Transport is a reconnecting websocket client for one identity's rooms.
type Transport struct {
	dialURL *url.URL
	token   TokenFunc
	header  http.Header
	log     *logging.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	joined map[string]struct{}

	inbound chan Message
}

// New creates a Transport for the marketplace origin. header carries the
// identity's session cookie; token is called on every (re)connect.
func New(origin *url.URL, token TokenFunc, header http.Header, log *logging.Logger) *Transport {
	ws := *origin
	switch origin.Scheme {
	case "https":
		ws.Scheme = "wss"
	default:
		ws.Scheme = "ws"
	}
	ws.Path = "/socket"
	return &Transport{
		dialURL: &ws,
		token:   token,
		header:  header,
		log:     log,
		joined:  make(map[string]struct{}),
		inbound: make(chan Message, 64),
	}
}

// Messages returns the inbound buyer-turn channel. It is closed when Run
// returns.
func (t *Transport) Messages() <-chan Message { return t.inbound }

// Run dials and reads until ctx is cancelled, reconnecting on any error.
func (t *Transport) Run(ctx context.Context) {
	defer close(t.inbound)
	for {
		if err := t.connect(ctx); err != nil {
			t.log.Warn("chat connect failed", "error", err)
		} else {
			t.readLoop(ctx)
		}

		select {
		case <-ctx.Done():
			t.closeConn()
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// Join subscribes to a job's room. The room is remembered and rejoined after
// every reconnect.
func (t *Transport) Join(jobID string) error {
	t.mu.Lock()
	t.joined[jobID] = struct{}{}
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		// Not connected yet; the room is joined on the next connect.
		return nil
	}
	return t.writeFrame("join_job", map[string]string{"jobId": jobID})
}

// Leave forgets a job's room so it is not rejoined after reconnects.
func (t *Transport) Leave(jobID string) {
	t.mu.Lock()
	delete(t.joined, jobID)
	t.mu.Unlock()
}

// Send delivers a reply into a job's room.
func (t *Transport) Send(jobID, content string) error {
	return t.writeFrame("message", Message{JobID: jobID, Content: content})
}

func (t *Transport) connect(ctx context.Context) error {
	tok, err := t.token(ctx)
	if err != nil {
		return fmt.Errorf("chat token: %w", err)
	}
	u := *t.dialURL
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), t.header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.Host, err)
	}

	t.mu.Lock()
	t.conn = conn
	rooms := make([]string, 0, len(t.joined))
	for jobID := range t.joined {
		rooms = append(rooms, jobID)
	}
	t.mu.Unlock()

	for _, jobID := range rooms {
		if err := t.writeFrame("join_job", map[string]string{"jobId": jobID}); err != nil {
			t.closeConn()
			return fmt.Errorf("rejoin %s: %w", jobID, err)
		}
	}
	t.log.Info("chat connected", "rooms", len(rooms))
	return nil
}

func (t *Transport) readLoop(ctx context.Context) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	// Unblock ReadJSON when the context is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			t.closeConn()
		case <-stop:
		}
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() == nil {
				t.log.Warn("chat read failed, reconnecting", "error", err)
			}
			t.closeConn()
			return
		}
		switch f.Event {
		case "message":
			var m Message
			if err := json.Unmarshal(f.Data, &m); err != nil {
				t.log.Warn("bad chat message frame", "error", err)
				continue
			}
			select {
			case t.inbound <- m:
			case <-ctx.Done():
				t.closeConn()
				return
			}
		case "joined":
			// Room acknowledgements are informational.
		case "error":
			t.log.Warn("chat server error frame", "data", string(f.Data))
		}
	}
}

func (t *Transport) writeFrame(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return errors.New("chat transport not connected")
	}
	if err := t.conn.WriteJSON(frame{Event: event, Data: raw}); err != nil {
		return fmt.Errorf("write %s frame: %w", event, err)
	}
	return nil
}

func (t *Transport) closeConn() {
	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()
}
