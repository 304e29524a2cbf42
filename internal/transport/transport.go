// Package transport defines the event channel between a call session and the
// remote AI backend.
//
// A [Transport] carries three outbound messages (a finalised utterance, a
// typed message and a control signal) and delivers six inbound events to the
// [Handlers] registered once at Connect. Implementations live in
// sub-packages; see transport/ws for the WebSocket client.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by the Send methods before the handshake has
	// completed or after the connection was lost.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrConnect is returned by Connect when every handshake attempt failed.
	ErrConnect = errors.New("transport: connect failed")

	// ErrUnauthorized is returned by Connect when the backend rejects the
	// session credential. It is not retried.
	ErrUnauthorized = errors.New("transport: unauthorized")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// Action is a session control signal.
type Action string

const (
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionMute   Action = "mute"
	ActionUnmute Action = "unmute"
)

// IsValid reports whether a is a known action.
func (a Action) IsValid() bool {
	switch a {
	case ActionStart, ActionStop, ActionMute, ActionUnmute:
		return true
	}
	return false
}

// Status is the backend's coarse activity phase.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusSpeaking   Status = "speaking"
	StatusComplete   Status = "complete"
)

// Handlers receives inbound events. Nil fields are ignored. Handlers are
// called from the transport's read goroutine in arrival order and must not
// block for long.
type Handlers struct {
	// OnConnected fires after every completed handshake, including
	// reconnections.
	OnConnected func()

	// OnTranscription delivers recognised user speech.
	OnTranscription func(text string)

	// OnResponse delivers the AI's textual reply.
	OnResponse func(text string)

	// OnAudio delivers pre-rendered AI speech, already base64-decoded.
	OnAudio func(data []byte)

	// OnStatus delivers the backend's activity phase.
	OnStatus func(status Status, message string)

	// OnError delivers a backend processing failure.
	OnError func(message string)

	// OnDisconnected fires when an established connection drops. err is nil
	// for a clean close initiated by the remote side.
	OnDisconnected func(err error)

	// OnClosed fires once when the transport gives up on a dropped
	// connection. err wraps [ErrConnect], or [ErrUnauthorized] when the
	// backend rejected the credential. No further events follow and the
	// transport must be connected again before use.
	OnClosed func(err error)
}

// Transport is the session's connection to the AI backend. Implementations
// must be safe for concurrent use.
type Transport interface {
	// Connect performs the handshake and registers h. It retries internally
	// and returns an error wrapping [ErrConnect] when all attempts failed.
	Connect(ctx context.Context, h Handlers) error

	// SendAudio sends one finalised utterance.
	SendAudio(ctx context.Context, payload []byte, voiceID string) error

	// SendText sends a typed message.
	SendText(ctx context.Context, text, voiceID string) error

	// SendControl sends a control signal.
	SendControl(ctx context.Context, action Action) error

	// Connected reports whether the handshake has completed and the
	// connection is up.
	Connected() bool

	// Close tears down the connection. Safe to call more than once.
	Close() error
}
