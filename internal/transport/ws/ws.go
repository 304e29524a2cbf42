// Package ws implements [transport.Transport] over a WebSocket carrying JSON
// envelopes of the form {"event":"voice:audio","data":{...}}.
//
// Connect dials, sends the session token as a Bearer credential and waits for
// the backend's voice:connected event. Failed attempts are retried with
// exponential backoff. Once established, a dropped connection is re-dialled
// in the background with the same policy and [transport.Handlers.OnConnected]
// fires again on success.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/sumnex/voicecall/internal/transport"
)

// Default connection policy.
const (
	DefaultMaxAttempts      = 5
	DefaultBackoff          = 1 * time.Second
	DefaultMaxBackoff       = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 25 * time.Second

	// readLimit bounds one inbound message. Pre-rendered speech arrives as a
	// single base64 message.
	readLimit = 16 << 20
)

// Wire event names.
const (
	eventConnected = "voice:connected"
	eventText      = "voice:text"
	eventAudio     = "voice:audio"
	eventStatus    = "voice:status"
	eventError     = "voice:error"
	eventControl   = "voice:control"
)

// TokenSource yields the session credential for each handshake.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a [TokenSource] that always returns the same token.
type StaticToken string

// Token implements [TokenSource].
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Option is a functional option for [New].
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for the handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry sets the attempt count and backoff bounds for connecting and
// reconnecting. Zero values keep the defaults.
func WithRetry(maxAttempts int, backoff, maxBackoff time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			c.backoff = backoff
		}
		if maxBackoff > 0 {
			c.maxBackoff = maxBackoff
		}
	}
}

// WithHandshakeTimeout bounds a single dial plus the wait for voice:connected.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithPingInterval sets the keepalive period. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

// Client is a WebSocket [transport.Transport]. All methods are safe for
// concurrent use. A closed client can be connected again.
type Client struct {
	url              string
	tokens           TokenSource
	httpClient       *http.Client
	maxAttempts      int
	backoff          time.Duration
	maxBackoff       time.Duration
	handshakeTimeout time.Duration
	pingInterval     time.Duration

	mu        sync.Mutex
	gen       uint64 // bumped by Close; goroutines of older generations go quiet
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
}

// New creates a client for the backend at url (ws:// or wss://).
func New(url string, tokens TokenSource, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("ws: url must not be empty")
	}
	if tokens == nil {
		return nil, errors.New("ws: token source must not be nil")
	}
	c := &Client{
		url:              url,
		tokens:           tokens,
		maxAttempts:      DefaultMaxAttempts,
		backoff:          DefaultBackoff,
		maxBackoff:       DefaultMaxBackoff,
		handshakeTimeout: DefaultHandshakeTimeout,
		pingInterval:     DefaultPingInterval,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ── Wire types ──────────────────────────────────────────────────────────────

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// voiceMessage is the outbound payload of voice:audio, voice:text and
// voice:control.
type voiceMessage struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
	Voice     string `json:"voice,omitempty"`
}

// voiceResponse is the inbound payload of every server event.
type voiceResponse struct {
	Type      string `json:"type,omitempty"`
	Text      string `json:"text,omitempty"`
	Data      string `json:"data,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ── Connect ─────────────────────────────────────────────────────────────────

// Connect implements [transport.Transport]. A second Connect while connected
// is ignored.
func (c *Client) Connect(ctx context.Context, h transport.Handlers) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		slog.Warn("ws: connect called while already connected")
		return nil
	}
	gen := c.gen
	c.mu.Unlock()

	conn, err := c.dial(ctx, gen, h)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.gen != gen || c.cancel != nil {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "closed during connect")
		return transport.ErrClosed
	}
	c.conn = conn
	c.connected = true
	c.cancel = cancel
	c.mu.Unlock()

	slog.Info("ws: connected", "url", c.url)
	if h.OnConnected != nil {
		h.OnConnected()
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.readLoop(gctx, gen, h, conn) })
	g.Go(func() error { return c.keepalive(gctx) })
	go func() {
		if err := g.Wait(); err != nil {
			slog.Debug("ws: connection loops ended", "err", err)
		}
	}()
	return nil
}

// dial runs handshakes until one succeeds or the attempts are exhausted.
func (c *Client) dial(ctx context.Context, gen uint64, h transport.Handlers) (*websocket.Conn, error) {
	backoff := c.backoff
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		conn, err := c.handshake(ctx, gen, h)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, transport.ErrUnauthorized) {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}

		slog.Warn("ws: connect attempt failed",
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"backoff", backoff,
			"err", err,
		)
		if attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", transport.ErrConnect, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", transport.ErrConnect, c.maxAttempts, lastErr)
}

// handshake dials once and waits for voice:connected. Events arriving before
// it are dispatched normally.
func (c *Client) handshake(ctx context.Context, gen uint64, h transport.Handlers) (*websocket.Conn, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrUnauthorized, err)
	}

	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(hctx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + token},
		},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", transport.ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("ws: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	for {
		env, err := readEnvelope(hctx, conn)
		if err != nil {
			conn.Close(websocket.StatusPolicyViolation, "handshake failed")
			return nil, fmt.Errorf("ws: await %s: %w", eventConnected, err)
		}
		if env.Event == eventConnected {
			return conn, nil
		}
		c.dispatch(gen, h, env)
	}
}

// ── Receive ─────────────────────────────────────────────────────────────────

func readEnvelope(ctx context.Context, conn *websocket.Conn) (envelope, error) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return envelope{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("ws: skipping malformed message", "err", err)
			continue
		}
		return env, nil
	}
}

// readLoop dispatches events until ctx is cancelled, reconnecting after
// unexpected drops. It returns an error only when reconnection gave up.
func (c *Client) readLoop(ctx context.Context, gen uint64, h transport.Handlers, conn *websocket.Conn) error {
	for {
		env, err := readEnvelope(ctx, conn)
		if err == nil {
			c.dispatch(gen, h, env)
			continue
		}
		if ctx.Err() != nil || !c.markDisconnected(gen) {
			return nil
		}

		var dropErr error
		if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
			dropErr = err
		}
		slog.Warn("ws: connection dropped", "err", err)
		if h.OnDisconnected != nil {
			h.OnDisconnected(dropErr)
		}

		conn, err = c.dial(ctx, gen, h)
		if err != nil {
			if ctx.Err() != nil || !c.giveUp(gen) {
				return nil
			}
			slog.Error("ws: reconnection failed, giving up", "err", err)
			if h.OnClosed != nil {
				h.OnClosed(err)
			}
			return err
		}
		if !c.swapConn(gen, conn) {
			conn.Close(websocket.StatusNormalClosure, "closed during reconnect")
			return nil
		}
		slog.Info("ws: reconnected", "url", c.url)
		if h.OnConnected != nil {
			h.OnConnected()
		}
	}
}

// markDisconnected records a drop. It reports false when gen is stale.
func (c *Client) markDisconnected(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.connected = false
	return true
}

// giveUp forgets the connection after reconnection failed, so that a later
// Connect dials afresh. It reports false when gen is stale.
func (c *Client) giveUp(gen uint64) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.gen++
	cancel := c.cancel
	c.conn, c.cancel, c.connected = nil, nil, false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// swapConn installs a reconnected conn. It reports false when gen is stale.
func (c *Client) swapConn(gen uint64, conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.conn = conn
	c.connected = true
	return true
}

func (c *Client) live(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Client) dispatch(gen uint64, h transport.Handlers, env envelope) {
	if !c.live(gen) {
		return
	}

	var msg voiceResponse
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			slog.Debug("ws: skipping malformed event data", "event", env.Event, "err", err)
			return
		}
	}

	switch env.Event {
	case eventText:
		if msg.Text == "" {
			return
		}
		switch msg.Type {
		case "transcription":
			if h.OnTranscription != nil {
				h.OnTranscription(msg.Text)
			}
		case "response":
			if h.OnResponse != nil {
				h.OnResponse(msg.Text)
			}
		default:
			slog.Debug("ws: unknown text type", "type", msg.Type)
		}

	case eventAudio:
		if msg.Data == "" {
			return
		}
		data, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			slog.Warn("ws: dropping undecodable audio", "err", err)
			return
		}
		if h.OnAudio != nil {
			h.OnAudio(data)
		}

	case eventStatus:
		if msg.Status == "" {
			return
		}
		if h.OnStatus != nil {
			h.OnStatus(transport.Status(msg.Status), msg.Message)
		}

	case eventError:
		text := msg.Error
		if text == "" {
			text = msg.Message
		}
		if text == "" {
			return
		}
		if h.OnError != nil {
			h.OnError(text)
		}

	case eventConnected:
		slog.Debug("ws: duplicate connected event")

	default:
		slog.Debug("ws: unknown event", "event", env.Event)
	}
}

func (c *Client) keepalive(ctx context.Context) error {
	if c.pingInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		c.mu.Lock()
		conn, up := c.conn, c.connected
		c.mu.Unlock()
		if !up {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, c.pingInterval)
		if err := conn.Ping(pctx); err != nil && ctx.Err() == nil {
			slog.Debug("ws: ping failed", "err", err)
		}
		cancel()
	}
}

// ── Send ────────────────────────────────────────────────────────────────────

// SendAudio implements [transport.Transport].
func (c *Client) SendAudio(ctx context.Context, payload []byte, voiceID string) error {
	return c.send(ctx, eventAudio, voiceMessage{
		Type:  "audio",
		Data:  base64.StdEncoding.EncodeToString(payload),
		Voice: voiceID,
	})
}

// SendText implements [transport.Transport].
func (c *Client) SendText(ctx context.Context, text, voiceID string) error {
	return c.send(ctx, eventText, voiceMessage{
		Type:  "text",
		Data:  text,
		Voice: voiceID,
	})
}

// SendControl implements [transport.Transport].
func (c *Client) SendControl(ctx context.Context, action transport.Action) error {
	if !action.IsValid() {
		return fmt.Errorf("ws: unknown control action %q", action)
	}
	return c.send(ctx, eventControl, voiceMessage{
		Type: "control",
		Data: string(action),
	})
}

func (c *Client) send(ctx context.Context, event string, msg voiceMessage) error {
	c.mu.Lock()
	conn, up := c.conn, c.connected
	c.mu.Unlock()
	if !up {
		return transport.ErrNotConnected
	}

	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ws: marshal %s: %w", event, err)
	}
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("ws: marshal envelope: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("ws: write %s: %w", event, err)
	}
	return nil
}

// Connected implements [transport.Transport].
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close implements [transport.Transport]. It does not wait for in-flight
// handlers, so it may be called from one. Events still in flight are
// dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	c.gen++
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel, c.connected = nil, nil, false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		// Cancelling the read context may already have torn the conn down.
		if err := conn.Close(websocket.StatusNormalClosure, "call ended"); err != nil {
			slog.Debug("ws: close", "err", err)
		}
	}
	return nil
}

var _ transport.Transport = (*Client)(nil)
