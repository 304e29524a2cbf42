package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sumnex/voicecall/internal/transport"
)

// backend is a fake voice backend. Every accepted connection receives
// voice:connected (unless silent is set) and then runs script, if any. All
// client messages are forwarded to received.
type backend struct {
	srv      *httptest.Server
	conns    atomic.Int32
	auth     chan string
	received chan envelope

	// script runs after the handshake for connection n (1-based). Returning
	// closes the connection with status going-away.
	script func(n int, conn *websocket.Conn)
	silent bool
}

func newBackend(t *testing.T, script func(n int, conn *websocket.Conn), opts ...func(*backend)) *backend {
	t.Helper()
	b := &backend{
		auth:     make(chan string, 8),
		received: make(chan envelope, 16),
		script:   script,
	}
	for _, o := range opts {
		o(b)
	}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		n := int(b.conns.Add(1))
		b.auth <- r.Header.Get("Authorization")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if !b.silent {
			send(ctx, conn, eventConnected, voiceResponse{Message: "ready"})
		}
		if b.script != nil {
			b.script(n, conn)
			conn.Close(websocket.StatusGoingAway, "script done")
			return
		}
		for {
			env, err := readEnvelope(ctx, conn)
			if err != nil {
				return
			}
			b.received <- env
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

// drain blocks until the client goes away.
func drain(conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, err := readEnvelope(ctx, conn); err != nil {
			return
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, event string, msg voiceResponse) {
	data, _ := json.Marshal(msg)
	frame, _ := json.Marshal(envelope{Event: event, Data: data})
	_ = conn.Write(ctx, websocket.MessageText, frame)
}

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithRetry(3, time.Millisecond, 5*time.Millisecond),
		WithHandshakeTimeout(2 * time.Second),
		WithPingInterval(0),
	}
	c, err := New(url, StaticToken("secret-token"), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func receive(t *testing.T, b *backend) (envelope, voiceMessage) {
	t.Helper()
	select {
	case env := <-b.received:
		var msg voiceMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			t.Fatalf("unmarshal data: %v", err)
		}
		return env, msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client message")
	}
	return envelope{}, voiceMessage{}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", StaticToken("x")); err == nil {
		t.Error("expected error for empty url")
	}
	if _, err := New("ws://localhost", nil); err == nil {
		t.Error("expected error for nil token source")
	}
}

func TestConnect_Handshake(t *testing.T) {
	b := newBackend(t, nil)
	c := newTestClient(t, b.url())

	var connected atomic.Int32
	err := c.Connect(t.Context(), transport.Handlers{
		OnConnected: func() { connected.Add(1) },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := <-b.auth; got != "Bearer secret-token" {
		t.Errorf("Authorization = %q", got)
	}
	if !c.Connected() {
		t.Error("Connected() = false after handshake")
	}
	if connected.Load() != 1 {
		t.Errorf("OnConnected calls = %d, want 1", connected.Load())
	}

	// A second Connect is ignored.
	if err := c.Connect(t.Context(), transport.Handlers{}); err != nil {
		t.Errorf("second Connect: %v", err)
	}
	if n := b.conns.Load(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
}

func TestSendAudio(t *testing.T) {
	b := newBackend(t, nil)
	c := newTestClient(t, b.url())
	if err := c.Connect(t.Context(), transport.Handlers{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	payload := []byte("RIFF....WAVEfmt ")
	if err := c.SendAudio(t.Context(), payload, "nova"); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	env, msg := receive(t, b)
	if env.Event != "voice:audio" || msg.Type != "audio" {
		t.Fatalf("event = %q type = %q", env.Event, msg.Type)
	}
	decoded, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil || string(decoded) != string(payload) {
		t.Errorf("data = %q (err %v), want %q", decoded, err, payload)
	}
	if msg.Voice != "nova" {
		t.Errorf("voice = %q, want nova", msg.Voice)
	}
	if msg.Timestamp <= 0 {
		t.Error("timestamp not set")
	}
}

func TestSendTextAndControl(t *testing.T) {
	b := newBackend(t, nil)
	c := newTestClient(t, b.url())
	if err := c.Connect(t.Context(), transport.Handlers{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := c.SendText(t.Context(), "what's the weather?", "shimmer"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	env, msg := receive(t, b)
	if env.Event != "voice:text" || msg.Type != "text" || msg.Data != "what's the weather?" || msg.Voice != "shimmer" {
		t.Errorf("text message = %s %+v", env.Event, msg)
	}

	if err := c.SendControl(t.Context(), transport.ActionMute); err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	env, msg = receive(t, b)
	if env.Event != "voice:control" || msg.Type != "control" || msg.Data != "mute" || msg.Voice != "" {
		t.Errorf("control message = %s %+v", env.Event, msg)
	}

	if err := c.SendControl(t.Context(), transport.Action("reboot")); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestInboundEvents(t *testing.T) {
	b := newBackend(t, func(n int, conn *websocket.Conn) {
		if n > 1 {
			drain(conn)
			return
		}
		ctx := context.Background()
		send(ctx, conn, eventStatus, voiceResponse{Status: "processing", Message: "thinking"})
		send(ctx, conn, eventText, voiceResponse{Type: "transcription", Text: "hello"})
		send(ctx, conn, eventText, voiceResponse{Type: "transcription"})
		send(ctx, conn, eventText, voiceResponse{Type: "response", Text: "hi there"})
		send(ctx, conn, eventAudio, voiceResponse{Data: base64.StdEncoding.EncodeToString([]byte("pcm"))})
		send(ctx, conn, eventAudio, voiceResponse{Data: "!!not base64!!"})
		send(ctx, conn, "voice:unknown", voiceResponse{})
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		send(ctx, conn, eventError, voiceResponse{Error: "boom"})
		drain(conn)
	})
	c := newTestClient(t, b.url(), WithRetry(1, time.Millisecond, time.Millisecond))

	var (
		mu     sync.Mutex
		events []string
		done   = make(chan struct{})
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, s)
	}
	err := c.Connect(t.Context(), transport.Handlers{
		OnTranscription: func(text string) { record("transcription:" + text) },
		OnResponse:      func(text string) { record("response:" + text) },
		OnAudio:         func(data []byte) { record("audio:" + string(data)) },
		OnStatus:        func(s transport.Status, m string) { record("status:" + string(s) + ":" + m) },
		OnError: func(m string) {
			record("error:" + m)
			close(done)
		},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for error event")
	}

	want := []string{
		"status:processing:thinking",
		"transcription:hello",
		"response:hi there",
		"audio:pcm",
		"error:boom",
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != len(want) {
		t.Fatalf("events = %q, want %q", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestConnect_RetriesThenFails(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	err := c.Connect(t.Context(), transport.Handlers{})
	if !errors.Is(err, transport.ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if c.Connected() {
		t.Error("Connected() = true after failed connect")
	}
}

func TestConnect_UnauthorizedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	err := c.Connect(t.Context(), transport.Handlers{})
	if !errors.Is(err, transport.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	b := newBackend(t, func(_ int, conn *websocket.Conn) {
		time.Sleep(500 * time.Millisecond)
	}, func(b *backend) { b.silent = true })

	c := newTestClient(t, b.url(),
		WithRetry(1, time.Millisecond, time.Millisecond),
		WithHandshakeTimeout(50*time.Millisecond),
	)
	err := c.Connect(t.Context(), transport.Handlers{})
	if !errors.Is(err, transport.ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
}

func TestSend_NotConnected(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1")
	if err := c.SendAudio(t.Context(), []byte("x"), ""); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("SendAudio err = %v, want ErrNotConnected", err)
	}
	if err := c.SendText(t.Context(), "x", ""); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("SendText err = %v, want ErrNotConnected", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	b := newBackend(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			// Drop the first connection right after the handshake.
			return
		}
		drain(conn)
	})
	c := newTestClient(t, b.url())

	var (
		connects   atomic.Int32
		dropped    = make(chan error, 1)
		reconnects = make(chan struct{}, 1)
	)
	err := c.Connect(t.Context(), transport.Handlers{
		OnConnected: func() {
			if connects.Add(1) == 2 {
				reconnects <- struct{}{}
			}
		},
		OnDisconnected: func(err error) { dropped <- err },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case err := <-dropped:
		if err == nil {
			t.Error("going-away drop reported as clean close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnDisconnected not called")
	}
	select {
	case <-reconnects:
	case <-time.After(3 * time.Second):
		t.Fatal("client did not reconnect")
	}
	if !c.Connected() {
		t.Error("Connected() = false after reconnect")
	}
}

func TestClose_IdempotentAndReusable(t *testing.T) {
	b := newBackend(t, nil)
	c := newTestClient(t, b.url())

	if err := c.Close(); err != nil {
		t.Fatalf("Close before Connect: %v", err)
	}
	if err := c.Connect(t.Context(), transport.Handlers{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after Close")
	}
	if err := c.SendText(t.Context(), "x", ""); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("SendText after Close err = %v, want ErrNotConnected", err)
	}

	if err := c.Connect(t.Context(), transport.Handlers{}); err != nil {
		t.Fatalf("Connect after Close: %v", err)
	}
	if !c.Connected() {
		t.Error("Connected() = false after reconnecting a closed client")
	}
}

func TestReconnectGivesUp(t *testing.T) {
	var (
		hits   atomic.Int32
		accept atomic.Bool
	)
	accept.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if !accept.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		send(ctx, conn, eventConnected, voiceResponse{Message: "ready"})
		if n == 1 {
			// The backend goes down for good after the first session.
			accept.Store(false)
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		}
		drain(conn)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	var closes atomic.Int32
	closed := make(chan error, 1)
	err := c.Connect(t.Context(), transport.Handlers{
		OnClosed: func(err error) {
			closes.Add(1)
			closed <- err
		},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case err := <-closed:
		if !errors.Is(err, transport.ErrConnect) {
			t.Errorf("OnClosed err = %v, want ErrConnect", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnClosed not called after reconnection failed")
	}
	if c.Connected() {
		t.Error("Connected() = true after giving up")
	}
	if n := hits.Load(); n != 4 {
		t.Errorf("requests = %d, want 1 session and 3 reconnect attempts", n)
	}

	// A given-up client dials again instead of claiming to be connected.
	accept.Store(true)
	if err := c.Connect(t.Context(), transport.Handlers{}); err != nil {
		t.Fatalf("Connect after giving up: %v", err)
	}
	if !c.Connected() {
		t.Error("Connected() = false after connecting again")
	}
	if n := closes.Load(); n != 1 {
		t.Errorf("OnClosed calls = %d, want 1", n)
	}
}
