// Package mock provides in-memory mock implementations of the [audio.Device],
// [audio.Stream], and [audio.Player] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(audio.DefaultFormat, 16)
//	dev := &mock.Device{OpenResult: stream}
//	s, err := dev.Open(ctx, audio.DefaultFormat)
//	stream.Push(audio.AudioFrame{Data: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/sumnex/voicecall/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream] backed by a buffered
// channel. Use Push to deliver frames.
type Stream struct {
	mu     sync.Mutex
	frames chan audio.AudioFrame
	format audio.Format
	closed bool

	// CloseError is returned by the first Close call.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream creates a stream with the given format and channel buffer size.
func NewStream(format audio.Format, buffer int) *Stream {
	return &Stream{
		frames: make(chan audio.AudioFrame, buffer),
		format: format,
	}
}

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.frames }

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format { return s.format }

// Push delivers a frame. Frames pushed after Close are dropped. Missing
// sample rate and channel fields are filled from the stream format.
func (s *Stream) Push(frame audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if frame.SampleRate == 0 {
		frame.SampleRate = s.format.SampleRate
	}
	if frame.Channels == 0 {
		frame.Channels = s.format.Channels
	}
	s.frames <- frame
}

// Close implements [audio.Stream]. Closes the frame channel once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return s.CloseError
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// ProbeError is returned by Probe.
	ProbeError error

	// OpenResult is the stream returned by Open. When nil, Open creates a new
	// 64-frame [Stream] in the requested format.
	OpenResult audio.Stream

	// OpenError is returned by Open.
	OpenError error

	// OpenCalls records the format of every Open call.
	OpenCalls []audio.Format

	// CallCountProbe records how many times Probe was called.
	CallCountProbe int
}

// Probe implements [audio.Device].
func (d *Device) Probe(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountProbe++
	return d.ProbeError
}

// Open implements [audio.Device].
func (d *Device) Open(_ context.Context, format audio.Format) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, format)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	if d.OpenResult != nil {
		return d.OpenResult, nil
	}
	return NewStream(format, 64), nil
}

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock implementation of [audio.Player]. Play returns
// immediately unless Block is set, in which case it waits for Stop or ctx.
type Player struct {
	mu   sync.Mutex
	stop chan struct{}

	// Block makes Play wait for Stop or context cancellation.
	Block bool

	// PlayError is returned by Play.
	PlayError error

	// Played records the PCM passed to every Play call.
	Played [][]byte

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, pcm []byte, _ audio.Format) error {
	p.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.Played = append(p.Played, cp)
	block := p.Block
	if p.stop == nil {
		p.stop = make(chan struct{})
	}
	stop := p.stop
	err := p.PlayError
	p.mu.Unlock()

	if block {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
		}
	}
	return err
}

// Stop implements [audio.Player]. Releases any blocked Play call.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountStop++
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

// PlayCount returns how many times Play was called.
func (p *Player) PlayCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Played)
}

var (
	_ audio.Stream = (*Stream)(nil)
	_ audio.Device = (*Device)(nil)
	_ audio.Player = (*Player)(nil)
)
