// Package mock provides a test double for the transport.Transport interface.
//
// Transport records every outbound message and keeps the handlers registered
// at Connect so that tests can play backend events into the session:
//
//	tr := &mock.Transport{}
//	_ = sess.StartCall(ctx)
//	tr.Handlers().OnResponse("hi there")
package mock

import (
	"context"
	"sync"

	"github.com/sumnex/voicecall/internal/transport"
)

// SentAudio records one SendAudio call.
type SentAudio struct {
	Payload []byte
	VoiceID string
}

// SentText records one SendText call.
type SentText struct {
	Text    string
	VoiceID string
}

// Transport is a mock implementation of transport.Transport. Like the real
// client, Connect fires OnConnected before returning unless SkipConnected is
// set.
type Transport struct {
	mu        sync.Mutex
	handlers  transport.Handlers
	connected bool

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// SkipConnected suppresses the OnConnected callback in Connect.
	SkipConnected bool

	// SendAudioErr, SendTextErr and SendControlErr are returned by the
	// matching Send methods.
	SendAudioErr   error
	SendTextErr    error
	SendControlErr error

	// Audio, Texts and Controls record successful and failed sends in order.
	Audio    []SentAudio
	Texts    []SentText
	Controls []transport.Action

	// CallCountConnect and CallCountClose count lifecycle calls.
	CallCountConnect int
	CallCountClose   int
}

// Connect implements transport.Transport.
func (t *Transport) Connect(_ context.Context, h transport.Handlers) error {
	t.mu.Lock()
	t.CallCountConnect++
	if t.ConnectErr != nil {
		err := t.ConnectErr
		t.mu.Unlock()
		return err
	}
	t.handlers = h
	t.connected = true
	skip := t.SkipConnected
	t.mu.Unlock()

	if !skip && h.OnConnected != nil {
		h.OnConnected()
	}
	return nil
}

// SendAudio implements transport.Transport.
func (t *Transport) SendAudio(_ context.Context, payload []byte, voiceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Audio = append(t.Audio, SentAudio{Payload: append([]byte(nil), payload...), VoiceID: voiceID})
	if !t.connected {
		return transport.ErrNotConnected
	}
	return t.SendAudioErr
}

// SendText implements transport.Transport.
func (t *Transport) SendText(_ context.Context, text, voiceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Texts = append(t.Texts, SentText{Text: text, VoiceID: voiceID})
	if !t.connected {
		return transport.ErrNotConnected
	}
	return t.SendTextErr
}

// SendControl implements transport.Transport.
func (t *Transport) SendControl(_ context.Context, action transport.Action) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Controls = append(t.Controls, action)
	if !t.connected {
		return transport.ErrNotConnected
	}
	return t.SendControlErr
}

// Connected implements transport.Transport.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountClose++
	t.connected = false
	return nil
}

// Handlers returns the handlers registered by the last successful Connect.
func (t *Transport) Handlers() transport.Handlers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers
}

// AudioCount returns the number of SendAudio calls.
func (t *Transport) AudioCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Audio)
}

// TextCount returns the number of SendText calls.
func (t *Transport) TextCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Texts)
}

// SetSendAudioErr sets SendAudioErr under the lock.
func (t *Transport) SetSendAudioErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SendAudioErr = err
}

var _ transport.Transport = (*Transport)(nil)
