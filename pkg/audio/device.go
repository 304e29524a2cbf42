// Package audio defines the interfaces and types for local audio devices
// within voicecall.
//
// The primary abstractions are:
//
//   - [Device]: probes for and opens the microphone, returning a [Stream].
//   - [Stream]: a live capture stream delivering [AudioFrame] values.
//   - [Player]: plays PCM audio through the speaker and reports completion.
//   - [FrameSink]: anything that consumes frames; fed by [Pump].
//
// Implementations of the device interfaces are provided by backend packages
// (audio/miniaudio, audio/portaudio). The interfaces are intentionally narrow so
// that the call session stays decoupled from native audio libraries.
package audio

import (
	"context"
	"errors"
)

// ErrNoInputDevice is returned by [Device.Probe] when the runtime exposes no
// usable capture device.
var ErrNoInputDevice = errors.New("audio: no input device available")

// Device is the entry point for a microphone backend.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Probe reports whether audio capture is possible at all on this runtime.
	// It returns [ErrNoInputDevice] (possibly wrapped) when it is not.
	Probe(ctx context.Context) error

	// Open acquires the microphone and starts capturing in the requested
	// format. Backends that cannot capture in format exactly deliver their
	// native format; consumers convert with [FormatConverter].
	//
	// Returns an error if the device cannot be acquired (permission denied,
	// busy, unplugged).
	Open(ctx context.Context, format Format) (Stream, error)
}

// Stream represents an acquired microphone.
//
// The frame channel is closed when the stream ends, either because Close was
// called or because the device failed.
type Stream interface {
	// Frames returns the read-only channel of captured frames.
	Frames() <-chan AudioFrame

	// Format returns the format of the frames delivered on Frames.
	Format() Format

	// Close releases the microphone. It is safe to call Close more than once;
	// subsequent calls are no-ops and return nil.
	Close() error
}

// Player plays PCM16 audio through the local output device.
//
// Implementations must be safe for concurrent use, but only one clip plays
// at a time: a Play call while another is active replaces it.
type Player interface {
	// Play queues pcm for playback and blocks until it has finished playing,
	// ctx is cancelled, or Stop is called.
	Play(ctx context.Context, pcm []byte, format Format) error

	// Stop aborts any active playback. Safe to call when idle.
	Stop()
}

// FrameSink consumes captured frames. WriteFrame must not block for long; it
// runs on the pump goroutine shared by every sink of a stream.
type FrameSink interface {
	WriteFrame(frame AudioFrame)
}

// Pump reads frames from s and hands each one to every sink in order until
// the stream's frame channel closes or ctx is cancelled.
func Pump(ctx context.Context, s Stream, sinks ...FrameSink) {
	frames := s.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			for _, sink := range sinks {
				sink.WriteFrame(frame)
			}
		}
	}
}
