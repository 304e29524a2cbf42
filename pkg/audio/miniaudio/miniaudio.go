// Package miniaudio provides the default local audio backend: microphone
// capture through miniaudio (github.com/gen2brain/malgo) and speaker output
// through github.com/ebitengine/oto/v3.
//
// A [Backend] owns the native audio context. Create one per process with
// [New], use [Backend.Device] as the call's microphone and [Backend.Player]
// for speech playback, and release everything with [Backend.Close].
package miniaudio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/sumnex/voicecall/pkg/audio"
)

// periodMs is the capture callback cadence. Frames arrive at this granularity.
const periodMs = 20

// frameBuffer is the capacity of the frame channel. At 20 ms periods this is
// about five seconds of audio, far more than a healthy consumer ever lags.
const frameBuffer = 256

// Option is a functional option for [New].
type Option func(*Backend)

// WithOutputFormat sets the speaker format. Oto allows one output context per
// process, so clips in other formats are converted before playback.
// Default: 24 kHz mono.
func WithOutputFormat(f audio.Format) Option {
	return func(b *Backend) { b.outFormat = f }
}

// WithOutputBuffer sets the speaker buffer duration. Smaller values lower
// latency at the risk of glitches. Default: 100 ms.
func WithOutputBuffer(d time.Duration) Option {
	return func(b *Backend) { b.outBuffer = d }
}

// Backend wraps the native miniaudio context and a lazily created oto
// output context.
type Backend struct {
	ctx       *malgo.AllocatedContext
	outFormat audio.Format
	outBuffer time.Duration

	playerOnce sync.Once
	player     *Player
	playerErr  error
}

// New initialises the native audio context.
func New(opts ...Option) (*Backend, error) {
	b := &Backend{
		outFormat: audio.Format{SampleRate: 24000, Channels: 1},
		outBuffer: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(b)
	}

	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, cfg, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	b.ctx = ctx
	return b, nil
}

// Device returns the microphone of this backend.
func (b *Backend) Device() audio.Device { return &device{b: b} }

// Player returns the speaker of this backend, creating the output context on
// first use.
func (b *Backend) Player() (*Player, error) {
	b.playerOnce.Do(func() {
		b.player, b.playerErr = newPlayer(b.outFormat, b.outBuffer)
	})
	return b.player, b.playerErr
}

// Close releases the native context. Streams opened from this backend must be
// closed first.
func (b *Backend) Close() error {
	if b.player != nil {
		b.player.Stop()
	}
	if err := b.ctx.Uninit(); err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	b.ctx.Free()
	return nil
}

// ─── capture ─────────────────────────────────────────────────────────────────

type device struct {
	b *Backend
}

// Probe implements [audio.Device].
func (d *device) Probe(_ context.Context) error {
	infos, err := d.b.ctx.Devices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("miniaudio: enumerate capture devices: %w: %w", audio.ErrNoInputDevice, err)
	}
	if len(infos) == 0 {
		return audio.ErrNoInputDevice
	}
	return nil
}

// Open implements [audio.Device].
func (d *device) Open(_ context.Context, format audio.Format) (audio.Stream, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, errors.New("miniaudio: invalid capture format")
	}

	s := &stream{
		frames: make(chan audio.AudioFrame, frameBuffer),
		format: format,
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = periodMs

	dev, err := malgo.InitDevice(d.b.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) { s.deliver(input) },
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("miniaudio: start capture device: %w", err)
	}
	s.dev = dev
	slog.Debug("miniaudio: capture started", "sampleRate", format.SampleRate, "channels", format.Channels)
	return s, nil
}

type stream struct {
	dev    *malgo.Device
	format audio.Format

	mu      sync.Mutex
	frames  chan audio.AudioFrame
	elapsed time.Duration
	dropped int
	closed  bool
}

// deliver runs on the miniaudio callback thread. The input buffer is reused
// by miniaudio after the callback returns, so it is copied.
func (s *stream) deliver(input []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(input) == 0 {
		return
	}
	data := make([]byte, len(input))
	copy(data, input)
	frame := audio.AudioFrame{
		Data:       data,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Timestamp:  s.elapsed,
	}
	s.elapsed += frame.Duration()

	select {
	case s.frames <- frame:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			slog.Warn("miniaudio: capture consumer too slow, dropping frames", "dropped", s.dropped)
		}
	}
}

func (s *stream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.frames)
	s.mu.Unlock()

	// Stop waits for the callback thread, which takes s.mu, so it must run
	// without holding the lock.
	err := s.dev.Stop()
	s.dev.Uninit()
	if err != nil {
		return fmt.Errorf("miniaudio: stop capture device: %w", err)
	}
	return nil
}

// ─── playback ────────────────────────────────────────────────────────────────

// pollInterval is how often Play checks whether oto has drained the clip.
const pollInterval = 10 * time.Millisecond

// Player plays PCM16 clips through the default output device. It implements
// [audio.Player].
type Player struct {
	ctx    *oto.Context
	format audio.Format

	mu      sync.Mutex
	current *oto.Player
	stop    chan struct{}
}

func newPlayer(f audio.Format, buffer time.Duration) (*Player, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init speaker: %w", err)
	}
	<-ready
	return &Player{ctx: ctx, format: f}, nil
}

// Play implements [audio.Player]. A clip already playing is stopped first.
func (p *Player) Play(ctx context.Context, pcm []byte, format audio.Format) error {
	pcm = p.convert(pcm, format)
	if len(pcm) == 0 {
		return nil
	}

	p.Stop()

	p.mu.Lock()
	player := p.ctx.NewPlayer(bytes.NewReader(pcm))
	stop := make(chan struct{})
	p.current = player
	p.stop = stop
	player.Play()
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.current == player {
			p.current = nil
			p.stop = nil
		}
		p.mu.Unlock()
		_ = player.Close()
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// Stop implements [audio.Player].
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return
	}
	p.current.Pause()
	close(p.stop)
	p.current = nil
	p.stop = nil
}

func (p *Player) convert(pcm []byte, from audio.Format) []byte {
	if from == p.format || from.SampleRate == 0 {
		return pcm
	}
	if from.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	pcm = audio.ResampleMono16(pcm, from.SampleRate, p.format.SampleRate)
	if p.format.Channels == 2 {
		pcm = monoToStereo(pcm)
	}
	return pcm
}

func monoToStereo(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		copy(out[i*2:], pcm[i:i+2])
		copy(out[i*2+2:], pcm[i:i+2])
	}
	return out
}

var (
	_ audio.Player = (*Player)(nil)
	_ audio.Stream = (*stream)(nil)
)
