// Package vad turns a loudness reading into utterances.
//
// A [Detector] is polled on a fixed tick. Each tick compares the current
// microphone level against a dBFS threshold and moves through four phases:
//
//	idle ──loud──▶ voice-pending ──sustained──▶ recording
//	  ▲                 │                          │
//	  │           silence, too short          silence
//	  │                 ▼                          ▼
//	  └──────────────── idle ◀──elapsed─── cooldown (payload delivered)
//
// While the floor is held (the AI is speaking or thinking) ticks perform no
// transitions at all, so the AI is never recorded over.
package vad

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sumnex/voicecall/internal/capture"
	"github.com/sumnex/voicecall/internal/resilience"
	"github.com/sumnex/voicecall/pkg/audio"
)

// Phase is the detector's position in the utterance state machine.
type Phase int

const (
	// PhaseIdle waits for the level to cross the voice threshold.
	PhaseIdle Phase = iota

	// PhaseVoicePending is capturing but sustained voice is not yet confirmed.
	PhaseVoicePending

	// PhaseRecording is capturing confirmed speech.
	PhaseRecording

	// PhaseCooldown is the dead time after an utterance was delivered.
	PhaseCooldown
)

// String returns the human-readable name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseVoicePending:
		return "voice-pending"
	case PhaseRecording:
		return "recording"
	case PhaseCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Capturing reports whether the phase has an open capture.
func (p Phase) Capturing() bool {
	return p == PhaseVoicePending || p == PhaseRecording
}

// Default tuning. The thresholds are starting points for a typical headset
// and are expected to be tuned per microphone.
const (
	DefaultVoiceThreshold   = -50.0
	DefaultSilenceThreshold = 2 * time.Second
	DefaultMinVoiceDuration = 800 * time.Millisecond
	DefaultProcessCooldown  = 1500 * time.Millisecond
	DefaultTickInterval     = 100 * time.Millisecond
	DefaultErrorCap         = 3
)

// Config holds the detector's tuning knobs. Zero fields take the defaults.
type Config struct {
	// VoiceThreshold is the dBFS level above which audio counts as voice.
	// Zero means DefaultVoiceThreshold: levels are clamped to at most 0 dBFS,
	// so a literal 0 threshold could never be exceeded.
	VoiceThreshold float64

	// SilenceThreshold is how long the level must stay below the threshold,
	// measured from the last loud tick, before an utterance is finalised.
	SilenceThreshold time.Duration

	// MinVoiceDuration is the shortest voiced span that is delivered. Shorter
	// bursts are discarded as false triggers.
	MinVoiceDuration time.Duration

	// ProcessCooldown is the dead time after a delivered utterance.
	ProcessCooldown time.Duration

	// TickInterval is the polling period used by Run.
	TickInterval time.Duration

	// ErrorCap sizes the default error budget used when none is supplied.
	ErrorCap int
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.VoiceThreshold == 0 {
		c.VoiceThreshold = DefaultVoiceThreshold
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.MinVoiceDuration <= 0 {
		c.MinVoiceDuration = DefaultMinVoiceDuration
	}
	if c.ProcessCooldown <= 0 {
		c.ProcessCooldown = DefaultProcessCooldown
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ErrorCap <= 0 {
		c.ErrorCap = DefaultErrorCap
	}
	return c
}

// Level supplies the current microphone loudness in dBFS.
type Level interface {
	Sample() float64
}

// Recorder opens and finalises captures. [capture.Controller] implements it.
type Recorder interface {
	Begin() error
	End() (capture.Payload, bool, error)
	Abort()
}

// Floor reports whether the AI currently holds the conversational floor.
type Floor interface {
	FloorHeld() bool
}

// FloorFunc adapts a function to [Floor].
type FloorFunc func() bool

// FloorHeld implements [Floor].
func (f FloorFunc) FloorHeld() bool { return f() }

// ErrorBudget gates new captures after repeated failures. Failure is called
// without the detector lock held. [resilience.CircuitBreaker] implements it.
type ErrorBudget interface {
	Allow() bool
	Failure()
}

// State is a snapshot of the detector.
type State struct {
	Phase                Phase
	VoiceFirstDetectedAt time.Time
	LastVoiceAt          time.Time
	LastProcessedAt      time.Time
}

// Option is a functional option for [New].
type Option func(*Detector)

// WithConfig sets the initial tuning.
func WithConfig(cfg Config) Option {
	return func(d *Detector) { d.cfg = cfg.withDefaults() }
}

// WithFloor sets the floor gate. Without one the floor is never held.
func WithFloor(f Floor) Option {
	return func(d *Detector) { d.floor = f }
}

// WithErrorBudget sets the error budget. Without one the detector uses a
// private circuit breaker that opens after Config.ErrorCap failures.
func WithErrorBudget(b ErrorBudget) Option {
	return func(d *Detector) { d.budget = b }
}

// WithOnUtterance sets the handler for finalised utterances. It is called
// from the ticking goroutine without the detector lock held.
func WithOnUtterance(fn func(capture.Payload)) Option {
	return func(d *Detector) { d.onUtterance = fn }
}

// WithOnDiscard sets a handler called for every false trigger with the voiced
// duration of the discarded burst.
func WithOnDiscard(fn func(voiced time.Duration)) Option {
	return func(d *Detector) { d.onDiscard = fn }
}

// Detector is the voice activity state machine. All methods are safe for
// concurrent use; ticks are serialised.
type Detector struct {
	level       Level
	rec         Recorder
	floor       Floor
	budget      ErrorBudget
	onUtterance func(capture.Payload)
	onDiscard   func(time.Duration)

	mu    sync.Mutex
	cfg   Config
	state State
}

// New creates a detector reading loudness from level and capturing through
// rec.
func New(level Level, rec Recorder, opts ...Option) *Detector {
	d := &Detector{
		level: level,
		rec:   rec,
		cfg:   DefaultConfig(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.budget == nil {
		d.budget = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "vad",
			MaxFailures: d.cfg.ErrorCap,
		})
	}
	return d
}

// Tick evaluates one polling step at time now.
//
// The floor is checked under the detector lock, so once FloorHeld reports
// true and AbortCapture has returned, no later tick can begin a capture.
func (d *Detector) Tick(now time.Time) {
	var (
		deliver   *capture.Payload
		discarded = time.Duration(-1)
		failed    bool
	)

	d.mu.Lock()
	if d.floor != nil && d.floor.FloorHeld() {
		d.mu.Unlock()
		return
	}
	cfg := d.cfg
	loud := audio.ClampLevel(d.level.Sample()) > cfg.VoiceThreshold

	switch d.state.Phase {
	case PhaseIdle:
		if !loud || d.coolingLocked(now) || !d.budget.Allow() {
			break
		}
		if err := d.rec.Begin(); err != nil {
			slog.Warn("vad: failed to begin capture", "err", err)
			failed = true
			d.idleLocked()
			break
		}
		d.state.Phase = PhaseVoicePending
		d.state.VoiceFirstDetectedAt = now
		d.state.LastVoiceAt = now
		slog.Debug("vad: voice detected")

	case PhaseVoicePending, PhaseRecording:
		if loud {
			d.state.LastVoiceAt = now
			if d.state.Phase == PhaseVoicePending && now.Sub(d.state.VoiceFirstDetectedAt) >= cfg.MinVoiceDuration {
				d.state.Phase = PhaseRecording
				slog.Debug("vad: voice confirmed, recording")
			}
			break
		}
		if now.Sub(d.state.LastVoiceAt) <= cfg.SilenceThreshold {
			break
		}
		voiced := d.state.LastVoiceAt.Sub(d.state.VoiceFirstDetectedAt)
		payload, ok, err := d.rec.End()
		switch {
		case err != nil:
			slog.Warn("vad: failed to finalise capture", "err", err)
			failed = true
			d.idleLocked()
		case !ok || voiced < cfg.MinVoiceDuration:
			slog.Debug("vad: discarding false trigger", "voiced", voiced, "payload", ok)
			discarded = voiced
			d.idleLocked()
		default:
			d.state.Phase = PhaseCooldown
			d.state.LastProcessedAt = now
			payload.Voiced = voiced
			deliver = &payload
			slog.Debug("vad: utterance finalised", "voiced", voiced, "bytes", len(payload.Data))
		}

	case PhaseCooldown:
		if !d.coolingLocked(now) {
			d.state.Phase = PhaseIdle
		}
	}
	d.mu.Unlock()

	if failed {
		d.budget.Failure()
	}
	if deliver != nil && d.onUtterance != nil {
		d.onUtterance(*deliver)
	}
	if discarded >= 0 && d.onDiscard != nil {
		d.onDiscard(discarded)
	}
}

// coolingLocked reports whether the cooldown window since the last delivered
// utterance is still open.
func (d *Detector) coolingLocked(now time.Time) bool {
	if d.state.LastProcessedAt.IsZero() {
		return false
	}
	return now.Sub(d.state.LastProcessedAt) < d.cfg.ProcessCooldown
}

func (d *Detector) idleLocked() {
	d.state.Phase = PhaseIdle
	d.state.VoiceFirstDetectedAt = time.Time{}
	d.state.LastVoiceAt = time.Time{}
}

// Run ticks the detector until ctx is done. A TickInterval change made with
// SetConfig takes effect on the next tick.
func (d *Detector) Run(ctx context.Context) {
	interval := d.Config().TickInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Tick(now)
			if next := d.Config().TickInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// State returns a snapshot of the detector.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Config returns the current tuning.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// SetConfig replaces the tuning. Zero fields take the defaults. ErrorCap only
// applies to a budget created by New.
func (d *Detector) SetConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg.withDefaults()
}

// AbortCapture drops any open capture without delivering it and returns to
// idle. The cooldown window of the previous utterance is kept.
func (d *Detector) AbortCapture() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Phase.Capturing() {
		d.rec.Abort()
		slog.Debug("vad: capture aborted")
	}
	if d.state.Phase != PhaseCooldown {
		d.idleLocked()
	}
}

// Reset aborts any open capture and clears all state.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Phase.Capturing() {
		d.rec.Abort()
	}
	d.state = State{}
}
