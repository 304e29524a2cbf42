// Package types defines the shared types used across all voicecall packages.
//
// These types form the lingua franca between the call session, the transport,
// the capture pipeline and the UI layer. They are intentionally minimal: each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

import (
	"time"

	"github.com/google/uuid"
)

// CallType distinguishes voice-only calls from video calls. The core treats
// both identically; the type is forwarded to the backend for its own use.
type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// IsValid reports whether c is a recognised call type.
func (c CallType) IsValid() bool {
	return c == CallVoice || c == CallVideo
}

// DefaultVoice is the voice identifier used when a call is configured without
// explicit voice settings.
const DefaultVoice = "nova"

// VoiceSettings selects the AI voice and its speaking rate.
type VoiceSettings struct {
	// Voice is the backend/provider voice identifier (e.g. "nova").
	Voice string `yaml:"voice"`

	// Speed adjusts the speaking rate. 1.0 means default; 0 means unset.
	Speed float64 `yaml:"speed"`
}

// VoiceID returns the configured voice or [DefaultVoice] when unset.
func (v VoiceSettings) VoiceID() string {
	if v.Voice == "" {
		return DefaultVoice
	}
	return v.Voice
}

// CallConfig identifies one active call. It is immutable for the lifetime of
// the session that owns it.
type CallConfig struct {
	// CallID is an opaque identifier created at call start. Generated when empty.
	CallID string `yaml:"call_id"`

	// UserID identifies the calling user.
	UserID string `yaml:"user_id"`

	// CallType is voice or video.
	CallType CallType `yaml:"call_type"`

	// AIModel optionally selects the backend model.
	AIModel string `yaml:"ai_model"`

	// Language is an optional BCP-47 language hint (e.g. "en-US").
	Language string `yaml:"language"`

	// VoiceSettings selects the AI voice.
	VoiceSettings VoiceSettings `yaml:"voice_settings"`
}

// WithDefaults returns a copy of c with a generated CallID and a voice call
// type filled in where they were left empty.
func (c CallConfig) WithDefaults() CallConfig {
	if c.CallID == "" {
		c.CallID = uuid.NewString()
	}
	if c.CallType == "" {
		c.CallType = CallVoice
	}
	return c
}

// Speaker identifies who produced a [ConversationMessage].
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

// ConversationMessage is one turn in the call transcript. Messages are never
// mutated after creation; the transcript is append-only.
type ConversationMessage struct {
	// ID is unique within the process.
	ID string

	// Speaker is user or ai.
	Speaker Speaker

	// Text is the message content.
	Text string

	// AudioRef optionally references pre-rendered audio for this message.
	AudioRef string

	// CreatedAt is when the message was appended.
	CreatedAt time.Time
}

// NewMessage builds a [ConversationMessage] with a fresh ID.
func NewMessage(speaker Speaker, text string, at time.Time) ConversationMessage {
	return ConversationMessage{
		ID:        string(speaker) + "-" + uuid.NewString(),
		Speaker:   speaker,
		Text:      text,
		CreatedAt: at,
	}
}
