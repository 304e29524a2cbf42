// Package speech voices AI responses on the local speaker.
//
// A [Speaker] synthesises text through a [tts.Provider] and plays the result
// on an [audio.Player]. Only one utterance plays at a time: a new Speak or
// PlayClip interrupts the previous one, and [Speaker.Stop] silences the
// speaker immediately.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sumnex/voicecall/internal/observe"
	"github.com/sumnex/voicecall/pkg/audio"
	"github.com/sumnex/voicecall/pkg/audio/codec"
	"github.com/sumnex/voicecall/pkg/provider/tts"
)

// ErrInterrupted is returned when playback was cut short by [Speaker.Stop]
// or by a newer utterance.
var ErrInterrupted = errors.New("speech: interrupted")

// ErrSynthesize wraps provider failures.
var ErrSynthesize = errors.New("speech: synthesis failed")

// Option is a functional option for [New].
type Option func(*Speaker)

// WithVoice sets the voice used by Speak.
func WithVoice(v tts.VoiceProfile) Option {
	return func(s *Speaker) { s.voice = v }
}

// WithClipFormat sets the format assumed for raw PCM clips handed to
// PlayClip. Default: [audio.DefaultFormat].
func WithClipFormat(f audio.Format) Option {
	return func(s *Speaker) { s.clipFormat = f }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Speaker) { s.metrics = m }
}

// WithCallID tags spans with the owning call.
func WithCallID(id string) Option {
	return func(s *Speaker) { s.callID = id }
}

// Speaker plays AI speech. It is safe for concurrent use.
type Speaker struct {
	provider   tts.Provider
	player     audio.Player
	voice      tts.VoiceProfile
	clipFormat audio.Format
	metrics    *observe.Metrics
	callID     string

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// New creates a Speaker. provider may be nil, in which case Speak is a no-op
// and only pre-rendered clips are played.
func New(provider tts.Provider, player audio.Player, opts ...Option) *Speaker {
	s := &Speaker{
		provider:   provider,
		player:     player,
		clipFormat: audio.DefaultFormat,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Speak synthesises text and blocks until it has been played. Blank text is
// ignored.
func (s *Speaker) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" || s.provider == nil {
		return nil
	}

	ctx, done := s.begin(ctx)
	defer done()

	ctx, span := observe.StartCallSpan(ctx, "speech.speak", s.callID, observe.Attr("voice.id", s.voice.ID))
	pcm, format, err := s.synthesize(ctx, text)
	if err != nil {
		observe.EndSpan(span, err)
		return err
	}
	err = s.play(ctx, pcm, format)
	observe.EndSpan(span, err)
	return err
}

// PlayClip plays pre-rendered audio. WAV data is decoded; anything else is
// treated as raw PCM16LE in the clip format.
func (s *Speaker) PlayClip(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	pcm, format := data, s.clipFormat
	if codec.IsWAV(data) {
		var err error
		if pcm, format, err = codec.DecodeWAV(data); err != nil {
			return fmt.Errorf("speech: play clip: %w", err)
		}
	}

	ctx, done := s.begin(ctx)
	defer done()
	return s.play(ctx, pcm, format)
}

// Stop interrupts any active playback. Safe to call when idle.
func (s *Speaker) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.gen++
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.player.Stop()
}

// Speaking reports whether an utterance is in progress.
func (s *Speaker) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// begin interrupts the current utterance and returns the context for the
// next one. done must be called when it finishes.
func (s *Speaker) begin(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	prev := s.cancel
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
	return ctx, func() {
		s.mu.Lock()
		if s.gen == gen {
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel()
	}
}

func (s *Speaker) synthesize(ctx context.Context, text string) ([]byte, audio.Format, error) {
	name := s.voice.Provider
	if name == "" {
		name = "tts"
	}

	start := time.Now()
	stream, err := s.provider.SynthesizeStream(ctx, tts.Text(text), s.voice)
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, name, "error")
		return nil, audio.Format{}, fmt.Errorf("%w: %w", ErrSynthesize, err)
	}

	var pcm []byte
	first := true
	for chunk := range stream.Audio {
		if first {
			s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
			first = false
		}
		pcm = append(pcm, chunk...)
	}
	if ctx.Err() != nil {
		return nil, audio.Format{}, ErrInterrupted
	}
	if len(pcm) == 0 {
		s.metrics.RecordProviderRequest(ctx, name, "error")
		return nil, audio.Format{}, fmt.Errorf("%w: provider returned no audio", ErrSynthesize)
	}
	s.metrics.RecordProviderRequest(ctx, name, "ok")
	return pcm, stream.Format, nil
}

func (s *Speaker) play(ctx context.Context, pcm []byte, format audio.Format) error {
	start := time.Now()
	err := s.player.Play(ctx, pcm, format)
	s.metrics.SpeakDuration.Record(ctx, time.Since(start).Seconds())
	if ctx.Err() != nil {
		return ErrInterrupted
	}
	if err != nil {
		slog.Warn("speech: playback failed", "err", err)
		return fmt.Errorf("speech: play: %w", err)
	}
	return nil
}
