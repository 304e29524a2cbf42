// Package capture records single utterances from a live microphone stream.
//
// A [Controller] sits on the microphone's frame pump as an [audio.FrameSink].
// Between Begin and End it appends every frame to one chunk buffer; End
// finalises the buffer into a [Payload] with the configured [codec.Encoder]
// and clears it. Frames outside a capture are ignored, so the controller can
// stay attached for the whole call.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sumnex/voicecall/pkg/audio"
	"github.com/sumnex/voicecall/pkg/audio/codec"
)

// DefaultMinPayloadBytes is the smallest capture worth sending, measured on the
// PCM before encoding so that the gate does not depend on the codec. At 16 kHz
// mono it is 125 ms of audio. Shorter captures are discarded by End.
const DefaultMinPayloadBytes = 4000

// DefaultMaxDuration caps a single capture. Frames past the cap are dropped.
const DefaultMaxDuration = 60 * time.Second

var (
	// ErrRecorderStart is returned by Begin when capture cannot start.
	ErrRecorderStart = errors.New("capture: recorder start failed")

	// ErrNotAttached means no microphone stream is feeding the controller.
	ErrNotAttached = errors.New("capture: no stream attached")

	// ErrEncode is returned by End when the payload cannot be encoded.
	ErrEncode = errors.New("capture: encode payload")
)

// Payload is one finalised utterance.
type Payload struct {
	// Data is the encoded audio.
	Data []byte

	// MIMEType describes Data, e.g. "audio/wav".
	MIMEType string

	// Duration is the length of the whole capture, trailing silence included.
	Duration time.Duration

	// Voiced is the span from the first to the last loud tick. The controller
	// leaves it zero; the voice activity detector fills it in.
	Voiced time.Duration

	// Bytes is the raw PCM size before encoding.
	Bytes int

	// Chunks is the number of frames that made up the capture.
	Chunks int
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithEncoder sets the payload encoder. Default: [codec.WAV].
func WithEncoder(enc codec.Encoder) Option {
	return func(c *Controller) { c.enc = enc }
}

// WithMinPayloadBytes sets the minimum PCM size of a capture. Zero disables
// the check. Default: [DefaultMinPayloadBytes].
func WithMinPayloadBytes(n int) Option {
	return func(c *Controller) { c.minBytes = n }
}

// WithMaxDuration caps a single capture. Default: [DefaultMaxDuration].
func WithMaxDuration(d time.Duration) Option {
	return func(c *Controller) { c.maxDur = d }
}

// Controller owns the chunk buffer of the current utterance. All methods are
// safe for concurrent use.
type Controller struct {
	format   audio.Format
	enc      codec.Encoder
	minBytes int
	maxDur   time.Duration
	conv     audio.FormatConverter

	mu        sync.Mutex
	attached  bool
	capturing bool
	chunks    [][]byte
	size      int
	truncated bool
}

// New creates a controller that buffers audio in format.
func New(format audio.Format, opts ...Option) *Controller {
	c := &Controller{
		format:   format,
		enc:      codec.WAV{},
		minBytes: DefaultMinPayloadBytes,
		maxDur:   DefaultMaxDuration,
	}
	for _, o := range opts {
		o(c)
	}
	c.conv.Target = format
	return c
}

// Attach marks a microphone stream as feeding the controller. Begin fails
// until Attach has been called.
func (c *Controller) Attach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = true
}

// Begin starts a new capture with a fresh buffer. A Begin while already
// capturing is a duplicate trigger: it is logged and ignored.
func (c *Controller) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capturing {
		slog.Debug("capture: begin while already capturing, ignoring")
		return nil
	}
	if !c.attached {
		return fmt.Errorf("%w: %w", ErrRecorderStart, ErrNotAttached)
	}
	c.reset()
	c.capturing = true
	return nil
}

// End stops the current capture and returns its payload. ok is false when
// nothing was captured, when the controller was not capturing, or when the
// captured PCM is below the minimum size.
func (c *Controller) End() (Payload, bool, error) {
	c.mu.Lock()
	if !c.capturing {
		c.mu.Unlock()
		return Payload{}, false, nil
	}
	chunks, size := c.chunks, c.size
	c.capturing = false
	c.reset()
	c.mu.Unlock()

	if len(chunks) == 0 {
		return Payload{}, false, nil
	}

	dur := audio.PCMDuration(size, c.format)
	if c.minBytes > 0 && size < c.minBytes {
		slog.Debug("capture: capture below minimum size, discarding",
			"bytes", size, "min", c.minBytes, "duration", dur)
		return Payload{}, false, nil
	}

	pcm := make([]byte, 0, size)
	for _, ch := range chunks {
		pcm = append(pcm, ch...)
	}
	data, err := c.enc.Encode(pcm, c.format)
	if err != nil {
		return Payload{}, false, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return Payload{
		Data:     data,
		MIMEType: c.enc.MIMEType(),
		Duration: dur,
		Bytes:    len(pcm),
		Chunks:   len(chunks),
	}, true, nil
}

// Capturing reports whether a capture is in progress.
func (c *Controller) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}

// WriteFrame implements [audio.FrameSink].
func (c *Controller) WriteFrame(frame audio.AudioFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.capturing {
		return
	}
	frame = c.conv.Convert(frame)
	if len(frame.Data) == 0 {
		return
	}
	if c.maxDur > 0 && audio.PCMDuration(c.size+len(frame.Data), c.format) > c.maxDur {
		if !c.truncated {
			c.truncated = true
			slog.Warn("capture: utterance exceeds maximum duration, dropping further audio", "max", c.maxDur)
		}
		return
	}
	c.chunks = append(c.chunks, frame.Data)
	c.size += len(frame.Data)
}

// Close aborts any capture in progress and detaches from the stream. Safe to
// call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capturing = false
	c.attached = false
	c.reset()
}

// Abort discards the current capture without producing a payload but stays
// attached.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capturing = false
	c.reset()
}

func (c *Controller) reset() {
	c.chunks = nil
	c.size = 0
	c.truncated = false
}

var _ audio.FrameSink = (*Controller)(nil)
