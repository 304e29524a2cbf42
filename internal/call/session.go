// Package call orchestrates one half-duplex voice call.
//
// A [Session] wires the microphone, the level monitor, the capture controller
// and the voice activity detector to a [transport.Transport], keeps the
// conversation transcript and tracks whether the AI is listening, thinking or
// speaking. Capture is gated off whenever the AI holds the floor, so the
// user and the AI never talk over each other.
//
// Lifecycle:
//
//	s, _ := call.New(cfg, call.Deps{Device: mic, Transport: tr, Speaker: sp})
//	defer s.Close()
//	if err := s.StartCall(ctx); err != nil { ... }
//	for ev := range s.Events() { ... }
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sumnex/voicecall/internal/capture"
	"github.com/sumnex/voicecall/internal/observe"
	"github.com/sumnex/voicecall/internal/resilience"
	"github.com/sumnex/voicecall/internal/speech"
	"github.com/sumnex/voicecall/internal/transport"
	"github.com/sumnex/voicecall/internal/vad"
	"github.com/sumnex/voicecall/pkg/audio"
	"github.com/sumnex/voicecall/pkg/types"
)

// Defaults applied by [New].
const (
	DefaultGreeting          = "Hello! I'm SumNex. How can I help you today?"
	DefaultInactivityTimeout = 10 * time.Minute
	DefaultTurnTimeout       = 45 * time.Second
	DefaultErrorThreshold    = 3
	DefaultErrorResetTimeout = 30 * time.Second

	eventBuffer    = 64
	controlTimeout = 2 * time.Second
)

// TokenSource yields the session credential. [auth.Source] implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Speaker voices AI output on the local device. [speech.Speaker] implements
// it. Speak and PlayClip block until playback ends.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	PlayClip(ctx context.Context, data []byte) error
	Stop()
}

// Deps are the collaborators of a [Session]. Transport is required. A nil
// Device makes StartCall fail with [ErrNotSupported]; a nil Tokens skips the
// credential check; a nil Speaker leaves AI responses text-only.
type Deps struct {
	Device    audio.Device
	Transport transport.Transport
	Tokens    TokenSource
	Speaker   Speaker
}

// recorder is the capture side of the pipeline. [capture.Controller]
// implements it.
type recorder interface {
	vad.Recorder
	audio.FrameSink
	Attach()
	Close()
}

// Option is a functional option for [New].
type Option func(*Session)

// WithVADConfig sets the detector tuning.
func WithVADConfig(cfg vad.Config) Option {
	return func(s *Session) { s.vadCfg = cfg }
}

// WithSmoothing sets the level monitor smoothing factor.
func WithSmoothing(f float64) Option {
	return func(s *Session) { s.smoothing = f }
}

// WithCaptureFormat sets the format the microphone is opened in.
// Default: [audio.DefaultFormat].
func WithCaptureFormat(f audio.Format) Option {
	return func(s *Session) { s.captureFormat = f }
}

// WithCaptureOptions passes options to the capture controller.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(s *Session) { s.captureOpts = append(s.captureOpts, opts...) }
}

// WithGreeting overrides the greeting spoken after the first connect.
func WithGreeting(text string) Option {
	return func(s *Session) { s.greeting = text }
}

// WithHallucinations overrides the transcripts dropped as recogniser
// artefacts.
func WithHallucinations(phrases []string) Option {
	return func(s *Session) { s.filter = newTranscriptFilter(phrases) }
}

// WithInactivityTimeout sets how long a call may go without messages.
// Negative disables the timer.
func WithInactivityTimeout(d time.Duration) Option {
	return func(s *Session) { s.inactivity = d }
}

// WithTurnTimeout sets how long the AI may think before the turn is counted
// as failed. Negative disables it.
func WithTurnTimeout(d time.Duration) Option {
	return func(s *Session) { s.turnTimeout = d }
}

// WithErrorThreshold sets the consecutive-failure count at which an error
// is surfaced and auto-capture pauses.
func WithErrorThreshold(n int) Option {
	return func(s *Session) { s.errThreshold = n }
}

// WithErrorResetTimeout sets how long auto-capture stays paused once the
// threshold is reached.
func WithErrorResetTimeout(d time.Duration) Option {
	return func(s *Session) { s.errReset = d }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session is one call. It is safe for concurrent use and may be restarted
// after EndCall.
type Session struct {
	deps    Deps
	base    types.CallConfig
	metrics *observe.Metrics
	events  chan Event
	breaker *resilience.CircuitBreaker

	captureFormat audio.Format
	captureOpts   []capture.Option
	smoothing     float64
	inactivity    time.Duration
	turnTimeout   time.Duration
	errThreshold  int
	errReset      time.Duration

	// Test hooks.
	levelOverride vad.Level
	recOverride   recorder
	manualTicks   bool

	wg sync.WaitGroup

	mu         sync.Mutex
	cfg        types.CallConfig
	vadCfg     vad.Config
	greeting   string
	filter     transcriptFilter
	started    bool
	starting   bool
	epoch      uint64
	ctx        context.Context
	cancel     context.CancelFunc
	ai         AIState
	muted      bool
	greeted    bool
	playing    uint64
	playSeq    uint64
	turnSeq    uint64
	thinkStart time.Time
	lastErr    error
	transcript []types.ConversationMessage
	stream     audio.Stream
	detector   *vad.Detector
	rec        recorder
	idleTimer  *time.Timer
	turnTimer  *time.Timer
}

// New creates a session for cfg. The call is not started.
func New(cfg types.CallConfig, deps Deps, opts ...Option) (*Session, error) {
	if deps.Transport == nil {
		return nil, errors.New("call: transport is required")
	}
	if cfg.CallType != "" && !cfg.CallType.IsValid() {
		return nil, fmt.Errorf("call: invalid call type %q", cfg.CallType)
	}

	s := &Session{
		deps:          deps,
		base:          cfg,
		events:        make(chan Event, eventBuffer),
		captureFormat: audio.DefaultFormat,
		smoothing:     -1,
		greeting:      DefaultGreeting,
		filter:        newTranscriptFilter(DefaultHallucinations),
		ctx:           context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.greeting == "" {
		s.greeting = DefaultGreeting
	}
	if s.inactivity == 0 {
		s.inactivity = DefaultInactivityTimeout
	}
	if s.turnTimeout == 0 {
		s.turnTimeout = DefaultTurnTimeout
	}
	if s.errThreshold <= 0 {
		s.errThreshold = DefaultErrorThreshold
	}
	if s.errReset <= 0 {
		s.errReset = DefaultErrorResetTimeout
	}
	s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "call",
		MaxFailures:  s.errThreshold,
		ResetTimeout: s.errReset,
		OnOpen:       s.onThreshold,
	})
	s.cfg = cfg.WithDefaults()
	return s, nil
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

// StartCall acquires the microphone, connects the transport and starts
// listening. A second StartCall while started is ignored. On failure the
// session is left idle and may be started again.
func (s *Session) StartCall(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.started || s.starting {
		s.mu.Unlock()
		slog.Warn("call: start called while already started", "call_id", s.CallID())
		return nil
	}
	s.starting = true
	s.epoch++
	epoch := s.epoch
	cfg := s.base.WithDefaults()
	s.cfg = cfg
	s.transcript = nil
	s.ai = AIListening
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.ctx, s.cancel = runCtx, cancel
	s.mu.Unlock()

	ctx, span := observe.StartCallSpan(ctx, "call.start", cfg.CallID,
		observe.Attr("call.type", string(cfg.CallType)))
	defer func() {
		observe.EndSpan(span, err)
		if err != nil {
			s.abortStart(epoch)
			s.surface(ctx, err, startErrorKind(err))
		}
	}()

	if s.deps.Device == nil {
		return ErrNotSupported
	}
	if err := s.deps.Device.Probe(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNotSupported, err)
	}
	if s.deps.Tokens != nil {
		if _, err := s.deps.Tokens.Token(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
	}

	stream, err := s.deps.Device.Open(ctx, s.captureFormat)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMicrophoneDenied, err)
	}
	rec, det, sinks := s.buildPipeline(runCtx, epoch)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		_ = stream.Close()
		return fmt.Errorf("call: start aborted: %w", context.Canceled)
	}
	s.stream, s.rec, s.detector = stream, rec, det
	if s.inactivity > 0 {
		s.idleTimer = time.AfterFunc(s.inactivity, func() { s.onInactive(epoch) })
	}
	s.mu.Unlock()

	if err := s.deps.Transport.Connect(ctx, s.handlers(epoch)); err != nil {
		if errors.Is(err, transport.ErrUnauthorized) {
			return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		return fmt.Errorf("%w: %w", ErrTransportConnect, err)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		// EndCall ran during the handshake.
		_ = s.deps.Transport.Close()
		return fmt.Errorf("call: start aborted: %w", context.Canceled)
	}
	s.starting = false
	s.started = true
	s.wg.Add(1)
	go s.pump(runCtx, epoch, stream, sinks)
	if !s.manualTicks {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			det.Run(runCtx)
		}()
	}
	s.mu.Unlock()

	s.metrics.ActiveCalls.Add(ctx, 1)
	s.control(transport.ActionStart)
	slog.Info("call: started",
		"call_id", cfg.CallID,
		"call_type", cfg.CallType,
		"voice", cfg.VoiceSettings.VoiceID(),
	)
	s.emitState()
	return nil
}

// buildPipeline creates the capture controller and detector for one call.
func (s *Session) buildPipeline(ctx context.Context, epoch uint64) (recorder, *vad.Detector, []audio.FrameSink) {
	var sinks []audio.FrameSink

	level := s.levelOverride
	if level == nil {
		mon := audio.NewLevelMonitor(s.smoothing)
		level = mon
		sinks = append(sinks, mon)
	}

	rec := s.recOverride
	if rec == nil {
		rec = capture.New(s.captureFormat, s.captureOpts...)
	}
	rec.Attach()
	sinks = append(sinks, rec)

	s.mu.Lock()
	vadCfg := s.vadCfg
	s.mu.Unlock()

	det := vad.New(level, rec,
		vad.WithConfig(vadCfg),
		vad.WithFloor(vad.FloorFunc(s.floorHeld)),
		vad.WithErrorBudget(s.breaker),
		vad.WithOnUtterance(func(p capture.Payload) { s.onUtterance(epoch, p) }),
		vad.WithOnDiscard(func(time.Duration) { s.metrics.RecordFalseTrigger(ctx) }),
	)
	return rec, det, sinks
}

// pump feeds microphone frames to the pipeline. A stream that ends while the
// call is live means the device went away.
func (s *Session) pump(ctx context.Context, epoch uint64, stream audio.Stream, sinks []audio.FrameSink) {
	defer s.wg.Done()
	audio.Pump(ctx, stream, sinks...)
	if ctx.Err() != nil {
		return
	}
	err := fmt.Errorf("%w: microphone stream ended", ErrMicrophoneDenied)
	slog.Error("call: microphone lost", "call_id", s.CallID())
	s.surface(ctx, err, "microphone")
	go s.end(epoch, err)
}

// abortStart releases whatever a failed StartCall acquired.
func (s *Session) abortStart(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.end(epoch, nil)
}

// EndCall stops listening, releases the microphone and closes the
// transport. It is safe to call at any time and more than once.
func (s *Session) EndCall() {
	s.end(0, nil)
}

// Close ends the call. It always returns nil.
func (s *Session) Close() error {
	s.EndCall()
	return nil
}

// end tears the call down. A non-zero epoch only ends that call.
func (s *Session) end(epoch uint64, reason error) {
	s.mu.Lock()
	if epoch != 0 && s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	wasLive := s.started || s.starting
	wasStarted := s.started
	s.started, s.starting = false, false
	s.epoch++
	cancel := s.cancel
	s.cancel = nil
	stream, rec, det := s.stream, s.rec, s.detector
	s.stream, s.rec, s.detector = nil, nil, nil
	stopTimer(&s.idleTimer)
	stopTimer(&s.turnTimer)
	s.ai = AIListening
	s.muted = false
	s.greeted = false
	s.playing = 0
	s.thinkStart = time.Time{}
	s.lastErr = nil
	callID := s.cfg.CallID
	s.mu.Unlock()

	if wasStarted {
		s.control(transport.ActionStop)
	}
	if cancel != nil {
		cancel()
	}
	if det != nil {
		det.Reset()
	}
	if rec != nil {
		rec.Close()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			slog.Warn("call: failed to release microphone", "err", err)
		}
	}
	if s.deps.Speaker != nil {
		s.deps.Speaker.Stop()
	}
	if wasLive {
		if err := s.deps.Transport.Close(); err != nil {
			slog.Warn("call: failed to close transport", "err", err)
		}
	}
	s.wg.Wait()
	s.breaker.Reset()

	if wasStarted {
		s.metrics.ActiveCalls.Add(context.Background(), -1)
		slog.Info("call: ended", "call_id", callID, "reason", reason)
		s.emit(Event{Kind: EventEnded, Snapshot: s.Snapshot(), Err: reason})
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// ── User operations ─────────────────────────────────────────────────────────

// SendMessage sends a typed message. Blank text is ignored.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrTransportNotReady
	}
	epoch := s.epoch
	msg := s.appendLocked(types.SpeakerUser, text)
	changed := s.setAILocked(AIThinking)
	voice, callID := s.cfg.VoiceSettings.VoiceID(), s.cfg.CallID
	s.mu.Unlock()

	s.emitMessage(ctx, msg)
	if changed {
		s.emitState()
	}
	s.abortCapture()

	ctx, span := observe.StartCallSpan(ctx, "call.send_text", callID)
	err := s.deps.Transport.SendText(ctx, text, voice)
	observe.EndSpan(span, err)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrTransportSend, err)
		s.fail(epoch, "send_text", err)
		return err
	}
	return nil
}

// Mute suppresses auto-capture and tells the backend.
func (s *Session) Mute(ctx context.Context) error { return s.setMuted(ctx, true) }

// Unmute resumes auto-capture and tells the backend.
func (s *Session) Unmute(ctx context.Context) error { return s.setMuted(ctx, false) }

func (s *Session) setMuted(ctx context.Context, muted bool) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrTransportNotReady
	}
	changed := s.muted != muted
	s.muted = muted
	s.mu.Unlock()

	if muted {
		s.abortCapture()
	}
	if changed {
		s.emitState()
	}
	action := transport.ActionUnmute
	if muted {
		action = transport.ActionMute
	}
	if err := s.deps.Transport.SendControl(ctx, action); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportSend, err)
	}
	return nil
}

// SetVADConfig retunes the detector, live if a call is running.
func (s *Session) SetVADConfig(cfg vad.Config) {
	s.mu.Lock()
	s.vadCfg = cfg
	det := s.detector
	s.mu.Unlock()
	if det != nil {
		det.SetConfig(cfg)
	}
}

// SetFilters replaces the greeting and hallucination list. Empty values
// restore the defaults.
func (s *Session) SetFilters(greeting string, hallucinations []string) {
	if greeting == "" {
		greeting = DefaultGreeting
	}
	if len(hallucinations) == 0 {
		hallucinations = DefaultHallucinations
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.greeting = greeting
	s.filter = newTranscriptFilter(hallucinations)
}

// ── Observation ─────────────────────────────────────────────────────────────

// Events returns the UI notification channel. Events are dropped when the
// consumer falls more than a small buffer behind.
func (s *Session) Events() <-chan Event { return s.events }

// CallID returns the ID of the current (or last) call.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.CallID
}

// Transcript returns a copy of the conversation so far.
func (s *Session) Transcript() []types.ConversationMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ConversationMessage, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Snapshot returns the current flags.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		CallID:   s.cfg.CallID,
		Started:  s.started,
		AIState:  s.ai,
		Thinking: s.ai == AIThinking,
		Speaking: s.ai == AISpeaking,
		Muted:    s.muted,
		Messages: len(s.transcript),
	}
	det := s.detector
	s.mu.Unlock()

	// The detector lock is never taken under s.mu.
	if det != nil {
		snap.Phase = det.State().Phase
		snap.Listening = snap.Phase.Capturing()
	}
	snap.ErrorCount = s.breaker.Failures()
	return snap
}

// Status adapts Snapshot for the status server.
func (s *Session) Status(context.Context) any { return s.Snapshot() }

// ── Transport events ────────────────────────────────────────────────────────

func (s *Session) handlers(epoch uint64) transport.Handlers {
	return transport.Handlers{
		OnConnected:     func() { s.onConnected(epoch) },
		OnTranscription: func(text string) { s.onTranscription(epoch, text) },
		OnResponse:      func(text string) { s.onResponse(epoch, text) },
		OnAudio:         func(data []byte) { s.onAudio(epoch, data) },
		OnStatus:        func(st transport.Status, msg string) { s.onStatus(epoch, st, msg) },
		OnError:         func(msg string) { s.onBackendError(epoch, msg) },
		OnDisconnected:  func(err error) { s.onDisconnected(epoch, err) },
		OnClosed:        func(err error) { s.onClosed(epoch, err) },
	}
}

func (s *Session) liveLocked(epoch uint64) bool {
	return s.epoch == epoch && (s.started || s.starting)
}

func (s *Session) onConnected(epoch uint64) {
	s.mu.Lock()
	if !s.liveLocked(epoch) {
		s.mu.Unlock()
		return
	}
	if s.greeted {
		s.mu.Unlock()
		slog.Info("call: transport reconnected", "call_id", s.CallID())
		return
	}
	s.greeted = true
	msg := s.appendLocked(types.SpeakerAI, s.greeting)
	changed := s.setAILocked(AISpeaking)
	ctx := s.ctx
	s.mu.Unlock()

	s.emitMessage(ctx, msg)
	if changed {
		s.emitState()
	}
	s.abortCapture()
	s.playSpeech(epoch, msg.Text)
}

func (s *Session) onTranscription(epoch uint64, text string) {
	s.mu.Lock()
	if !s.liveLocked(epoch) {
		s.mu.Unlock()
		return
	}
	if ok, why := s.filter.keep(text); !ok {
		s.mu.Unlock()
		slog.Debug("call: dropping transcript", "text", text, "reason", why)
		return
	}
	msg := s.appendLocked(types.SpeakerUser, strings.TrimSpace(text))
	changed := false
	if s.ai != AISpeaking {
		changed = s.setAILocked(AIThinking)
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.emitMessage(ctx, msg)
	if changed {
		s.emitState()
	}
	s.abortCapture()
}

func (s *Session) onResponse(epoch uint64, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	if !s.liveLocked(epoch) {
		s.mu.Unlock()
		return
	}
	var turn time.Duration
	if !s.thinkStart.IsZero() {
		turn = time.Since(s.thinkStart)
	}
	msg := s.appendLocked(types.SpeakerAI, text)
	changed := s.setAILocked(AISpeaking)
	ctx := s.ctx
	s.mu.Unlock()

	s.breaker.Success()
	if turn > 0 {
		s.metrics.TurnDuration.Record(ctx, turn.Seconds())
	}
	s.emitMessage(ctx, msg)
	if changed {
		s.emitState()
	}
	s.abortCapture()
	s.playSpeech(epoch, text)
}

func (s *Session) onAudio(epoch uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	if !s.liveLocked(epoch) {
		s.mu.Unlock()
		return
	}
	changed := s.setAILocked(AISpeaking)
	s.mu.Unlock()

	if changed {
		s.emitState()
	}
	s.abortCapture()
	if s.deps.Speaker == nil {
		slog.Debug("call: no speaker, dropping pre-rendered audio", "bytes", len(data))
		s.finishPlayback(epoch, 0)
		return
	}
	s.play(epoch, func(ctx context.Context) error { return s.deps.Speaker.PlayClip(ctx, data) })
}

// onStatus maps the backend phase onto the AI state. "complete" does not
// cut local playback short: speaking ends when the speaker finishes.
func (s *Session) onStatus(epoch uint64, st transport.Status, message string) {
	s.mu.Lock()
	if !s.liveLocked(epoch) {
		s.mu.Unlock()
		return
	}
	var changed bool
	switch st {
	case transport.StatusProcessing:
		changed = s.setAILocked(AIThinking)
	case transport.StatusSpeaking:
		changed = s.setAILocked(AISpeaking)
	case transport.StatusComplete:
		if s.playing == 0 {
			changed = s.setAILocked(AIListening)
		} else {
			changed = s.setAILocked(AISpeaking)
		}
	default:
		s.mu.Unlock()
		slog.Warn("call: unknown backend status", "status", st, "message", message)
		return
	}
	held := s.ai != AIListening
	s.mu.Unlock()

	slog.Debug("call: backend status", "status", st, "message", message)
	if changed {
		s.emitState()
	}
	if held {
		s.abortCapture()
	}
}

func (s *Session) onBackendError(epoch uint64, message string) {
	s.fail(epoch, "backend", fmt.Errorf("%w: %s", ErrBackend, message))
}

func (s *Session) onDisconnected(epoch uint64, err error) {
	s.mu.Lock()
	if !s.liveLocked(epoch) {
		s.mu.Unlock()
		return
	}
	// The pending answer is lost with the connection.
	changed := false
	if s.ai == AIThinking {
		changed = s.setAILocked(AIListening)
	}
	ctx := s.ctx
	s.mu.Unlock()

	if err != nil {
		s.metrics.RecordTransportError(ctx, "disconnect")
		slog.Warn("call: transport disconnected", "err", err)
	}
	if changed {
		s.emitState()
	}
}

// onClosed ends the call once the transport has stopped reconnecting.
func (s *Session) onClosed(epoch uint64, err error) {
	s.mu.Lock()
	if !s.liveLocked(epoch) {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	fatal := fmt.Errorf("%w: %w", ErrTransportConnect, err)
	if errors.Is(err, transport.ErrUnauthorized) {
		fatal = fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	slog.Error("call: backend connection lost", "call_id", s.CallID(), "err", err)
	s.surface(ctx, fatal, startErrorKind(fatal))
	go s.end(epoch, fatal)
}

// onUtterance sends a finalised capture. It runs on the detector goroutine.
func (s *Session) onUtterance(epoch uint64, p capture.Payload) {
	s.mu.Lock()
	if !s.liveLocked(epoch) {
		s.mu.Unlock()
		return
	}
	changed := s.setAILocked(AIThinking)
	ctx, voice, callID := s.ctx, s.cfg.VoiceSettings.VoiceID(), s.cfg.CallID
	s.mu.Unlock()

	if changed {
		s.emitState()
	}

	ctx, span := observe.StartCallSpan(ctx, "call.send_audio", callID,
		attribute.Int("audio.bytes", len(p.Data)),
		observe.Attr("audio.mime_type", p.MIMEType),
	)
	err := s.deps.Transport.SendAudio(ctx, p.Data, voice)
	observe.EndSpan(span, err)
	if err != nil {
		s.metrics.RecordUtterance(ctx, "failed", p.Voiced)
		s.fail(epoch, "send_audio", fmt.Errorf("%w: %w", ErrTransportSend, err))
		return
	}
	s.metrics.RecordUtterance(ctx, "sent", p.Voiced)
	slog.Debug("call: utterance sent", "bytes", len(p.Data), "voiced", p.Voiced)
}

// ── Timers ──────────────────────────────────────────────────────────────────

func (s *Session) onInactive(epoch uint64) {
	s.mu.Lock()
	live := s.liveLocked(epoch)
	ctx := s.ctx
	s.mu.Unlock()
	if !live {
		return
	}
	slog.Info("call: ending inactive call", "call_id", s.CallID(), "timeout", s.inactivity)
	s.surface(ctx, ErrInactivityTimeout, "inactivity")
	s.end(epoch, ErrInactivityTimeout)
}

func (s *Session) onTurnTimeout(epoch, seq uint64) {
	s.mu.Lock()
	stale := !s.liveLocked(epoch) || s.turnSeq != seq || s.ai != AIThinking
	s.mu.Unlock()
	if stale {
		return
	}
	s.fail(epoch, "turn_timeout", ErrTurnTimeout)
}

// ── Internals ───────────────────────────────────────────────────────────────

// floorHeld gates the detector. It is called with the detector lock held.
func (s *Session) floorHeld() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.started || s.muted || s.ai != AIListening
}

// setAILocked moves the AI state and manages the turn timer. It reports
// whether the state changed.
func (s *Session) setAILocked(st AIState) bool {
	if s.ai == st {
		return false
	}
	if s.ai == AIThinking {
		stopTimer(&s.turnTimer)
		s.thinkStart = time.Time{}
	}
	s.ai = st
	if st == AIThinking {
		s.thinkStart = time.Now()
		if s.turnTimeout > 0 {
			s.turnSeq++
			epoch, seq := s.epoch, s.turnSeq
			s.turnTimer = time.AfterFunc(s.turnTimeout, func() { s.onTurnTimeout(epoch, seq) })
		}
	}
	return true
}

// appendLocked adds a message and restarts the inactivity timer.
func (s *Session) appendLocked(speaker types.Speaker, text string) types.ConversationMessage {
	msg := types.NewMessage(speaker, text, time.Now())
	s.transcript = append(s.transcript, msg)
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.inactivity)
	}
	return msg
}

// abortCapture drops an open capture. Must not be called with s.mu held.
func (s *Session) abortCapture() {
	s.mu.Lock()
	det := s.detector
	s.mu.Unlock()
	if det != nil {
		det.AbortCapture()
	}
}

// fail records one failure: counts it against the error budget, returns
// the AI to listening and silences the speaker.
func (s *Session) fail(epoch uint64, kind string, err error) {
	s.mu.Lock()
	if !s.liveLocked(epoch) {
		s.mu.Unlock()
		return
	}
	s.lastErr = err
	wasPlaying := s.playing != 0
	s.playing = 0
	changed := s.setAILocked(AIListening)
	ctx := s.ctx
	s.mu.Unlock()

	slog.Warn("call: turn failed", "kind", kind, "err", err)
	s.metrics.RecordTransportError(ctx, kind)
	if wasPlaying && s.deps.Speaker != nil {
		s.deps.Speaker.Stop()
	}
	s.abortCapture()
	s.breaker.Failure()
	if changed {
		s.emitState()
	}
}

// onThreshold surfaces the failure streak once.
func (s *Session) onThreshold(failures int) {
	s.mu.Lock()
	last, ctx := s.lastErr, s.ctx
	s.mu.Unlock()

	err := fmt.Errorf("%w: %d in a row", ErrRepeatedFailures, failures)
	if last != nil {
		err = fmt.Errorf("%w: %w", err, last)
	}
	s.surface(ctx, err, "repeated")
}

func (s *Session) playSpeech(epoch uint64, text string) {
	if s.deps.Speaker == nil {
		s.finishPlayback(epoch, 0)
		return
	}
	s.play(epoch, func(ctx context.Context) error { return s.deps.Speaker.Speak(ctx, text) })
}

// play runs fn on its own goroutine and returns the AI to listening when it
// finishes, unless a newer playback took over.
func (s *Session) play(epoch uint64, fn func(ctx context.Context) error) {
	s.mu.Lock()
	if !s.liveLocked(epoch) {
		s.mu.Unlock()
		return
	}
	s.playSeq++
	seq := s.playSeq
	s.playing = seq
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, speech.ErrInterrupted) && ctx.Err() == nil {
			slog.Warn("call: playback failed", "err", err)
		}
		s.finishPlayback(epoch, seq)
	}()
}

// finishPlayback ends playback seq. seq 0 means no playback was started.
func (s *Session) finishPlayback(epoch, seq uint64) {
	s.mu.Lock()
	if !s.liveLocked(epoch) || s.playing != seq {
		s.mu.Unlock()
		return
	}
	s.playing = 0
	changed := false
	if s.ai == AISpeaking {
		changed = s.setAILocked(AIListening)
	}
	s.mu.Unlock()
	if changed {
		s.emitState()
	}
}

// control sends a best-effort control signal.
func (s *Session) control(action transport.Action) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if err := s.deps.Transport.SendControl(ctx, action); err != nil {
		slog.Debug("call: control signal not delivered", "action", action, "err", err)
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		slog.Warn("call: event dropped, consumer too slow", "kind", ev.Kind)
	}
}

func (s *Session) emitState() {
	s.emit(Event{Kind: EventState, Snapshot: s.Snapshot()})
}

func (s *Session) emitMessage(ctx context.Context, msg types.ConversationMessage) {
	s.metrics.RecordMessage(ctx, string(msg.Speaker))
	s.emit(Event{Kind: EventMessage, Snapshot: s.Snapshot(), Message: msg})
}

// surface reports a user-visible error.
func (s *Session) surface(ctx context.Context, err error, kind string) {
	s.metrics.RecordSurfacedError(ctx, kind)
	s.emit(Event{Kind: EventError, Snapshot: s.Snapshot(), Err: err})
}

func startErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotSupported):
		return "not_supported"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrMicrophoneDenied):
		return "microphone"
	case errors.Is(err, ErrTransportConnect):
		return "connect"
	default:
		return "start"
	}
}
