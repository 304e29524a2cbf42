// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs in the cloud or
// a local Coqui server) and presents a uniform streaming interface. The call
// session hands it the text of each AI response and plays the PCM it returns
// through the local speaker.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/sumnex/voicecall/pkg/audio"
)

// VoiceProfile selects a voice of one provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string `json:"id"`

	// Name is a human-readable label.
	Name string `json:"name"`

	// Provider names the backend the voice belongs to.
	Provider string `json:"provider"`

	// Speed adjusts the speaking rate. 0 keeps the provider default.
	Speed float64 `json:"speed,omitempty"`

	// Metadata carries provider-specific labels (accent, gender, category).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Stream is the result of a synthesis request.
type Stream struct {
	// Audio emits PCM16LE chunks as they are synthesised. It is closed when
	// synthesis ends, fails, or the request context is cancelled.
	Audio <-chan []byte

	// Format describes the PCM on Audio.
	Format audio.Format
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from text and returns a stream
	// of PCM audio. The caller must drain Stream.Audio.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// during synthesis close the audio channel early; callers check ctx.Err()
	// to tell cancellation apart from provider failure.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (Stream, error)

	// ListVoices returns the voices available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// Text returns a closed channel carrying the single fragment s, for callers
// that synthesise a complete utterance at once.
func Text(s string) <-chan string {
	ch := make(chan string, 1)
	ch <- s
	close(ch)
	return ch
}
