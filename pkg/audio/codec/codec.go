// Package codec finalises captured PCM16 audio into the binary payload that is
// shipped to the backend for one utterance.
//
// Two encoders are provided: [WAV] wraps the raw samples in a RIFF/WAVE
// container and [Opus] compresses them into length-prefixed Opus packets.
// Use [New] to pick one by its configuration name.
package codec

import (
	"errors"
	"fmt"

	"github.com/sumnex/voicecall/pkg/audio"
)

// ErrUnknownCodec is returned by [New] for an unrecognised codec name.
var ErrUnknownCodec = errors.New("codec: unknown codec")

// Encoder turns a contiguous block of PCM16LE audio into one payload.
//
// Implementations must be safe for sequential reuse; they are not required to
// be safe for concurrent use.
type Encoder interface {
	// Encode returns the payload for pcm, which is in format f.
	Encode(pcm []byte, f audio.Format) ([]byte, error)

	// MIMEType describes the payload produced by Encode.
	MIMEType() string
}

// Names of the built-in encoders as used in configuration files.
const (
	NameWAV  = "wav"
	NameOpus = "opus"
)

// New returns the encoder registered under name. An empty name selects WAV.
func New(name string) (Encoder, error) {
	switch name {
	case "", NameWAV:
		return WAV{}, nil
	case NameOpus:
		return &Opus{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
