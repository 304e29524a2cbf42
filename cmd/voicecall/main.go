// Command voicecall runs a hands-free voice call against the SumNex voice
// backend from a terminal.
//
// Speak into the microphone or type a line to send a text message. Lines
// starting with a slash are commands: /mute, /unmute and /quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/sumnex/voicecall/internal/auth"
	"github.com/sumnex/voicecall/internal/call"
	"github.com/sumnex/voicecall/internal/capture"
	"github.com/sumnex/voicecall/internal/config"
	"github.com/sumnex/voicecall/internal/health"
	"github.com/sumnex/voicecall/internal/observe"
	"github.com/sumnex/voicecall/internal/resilience"
	"github.com/sumnex/voicecall/internal/speech"
	"github.com/sumnex/voicecall/internal/transport/ws"
	"github.com/sumnex/voicecall/pkg/audio"
	"github.com/sumnex/voicecall/pkg/audio/codec"
	"github.com/sumnex/voicecall/pkg/audio/miniaudio"
	"github.com/sumnex/voicecall/pkg/audio/portaudio"
	"github.com/sumnex/voicecall/pkg/provider/tts"
	"github.com/sumnex/voicecall/pkg/provider/tts/coqui"
	"github.com/sumnex/voicecall/pkg/provider/tts/elevenlabs"
	"github.com/sumnex/voicecall/pkg/types"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voicecall: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Configuration (hot-reloaded) ──────────────────────────────────────────
	var sess *call.Session
	watcher, err := config.NewWatcher(*configPath, func(_, cfg *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if sess == nil {
			return
		}
		if d.VADChanged {
			sess.SetVADConfig(cfg.VAD.Detector())
			slog.Info("vad tuning reloaded")
		}
		if d.FiltersChanged {
			sess.SetFilters(cfg.Call.Greeting, cfg.Call.Hallucinations)
			slog.Info("transcript filters reloaded")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicecall: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicecall: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("voicecall starting",
		"version", version,
		"config", *configPath,
		"backend", cfg.Transport.URL,
		"audio", cfg.Audio.Backend,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicecall",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Audio ─────────────────────────────────────────────────────────────────
	dev, closeAudio, player, err := buildAudio(cfg.Audio)
	if err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer closeAudio()

	// ── Speech ────────────────────────────────────────────────────────────────
	provider, providerName, err := buildTTS(cfg.Speech)
	if err != nil {
		slog.Error("failed to build speech provider", "err", err)
		return 1
	}

	// ── Backend ───────────────────────────────────────────────────────────────
	tokens := buildTokens(cfg.Auth)
	tr, err := ws.New(cfg.Transport.URL, tokens, transportOptions(cfg.Transport)...)
	if err != nil {
		slog.Error("failed to create transport", "err", err)
		return 1
	}

	// ── Session ───────────────────────────────────────────────────────────────
	deps := call.Deps{Device: dev, Transport: tr, Tokens: tokens}
	if player != nil {
		deps.Speaker = speech.New(provider, player,
			speech.WithVoice(tts.VoiceProfile{
				ID:       cfg.Speech.Voice,
				Provider: providerName,
				Speed:    cfg.Call.VoiceSettings.Speed,
			}),
			speech.WithMetrics(metrics),
		)
	}
	sessionOpts, err := sessionOptions(cfg, metrics)
	if err != nil {
		slog.Error("invalid capture settings", "err", err)
		return 1
	}
	sess, err = call.New(types.CallConfig{
		UserID:        cfg.Call.UserID,
		CallType:      cfg.Call.CallType,
		AIModel:       cfg.Call.AIModel,
		Language:      cfg.Call.Language,
		VoiceSettings: cfg.Call.VoiceSettings,
	}, deps, sessionOpts...)
	if err != nil {
		slog.Error("failed to create session", "err", err)
		return 1
	}
	defer sess.Close()

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx) })

	if addr := cfg.Server.ListenAddr; addr != "" {
		srv := statusServer(addr, sess, tr, dev, tel.MetricsHandler(), metrics)
		g.Go(func() error {
			slog.Info("status server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if err := sess.StartCall(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "voicecall: %v\n", err)
		stop()
		_ = g.Wait()
		return 1
	}
	fmt.Println("Call started. Speak, or type a message. /mute, /unmute, /quit")

	g.Go(func() error {
		printEvents(gctx, sess, stop)
		return nil
	})
	g.Go(func() error {
		return readCommands(gctx, os.Stdin, os.Stderr, sess, stop)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("hanging up")
	sess.EndCall()
	slog.Info("goodbye")
	return 0
}

// ── Wiring ────────────────────────────────────────────────────────────────────

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildAudio opens the native audio backends. The speaker always goes through
// miniaudio's oto output; the microphone comes from the configured backend.
// A nil player means the call runs text-only.
func buildAudio(cfg config.AudioConfig) (audio.Device, func(), audio.Player, error) {
	var opts []miniaudio.Option
	if cfg.OutputBuffer > 0 {
		opts = append(opts, miniaudio.WithOutputBuffer(cfg.OutputBuffer))
	}
	backend, err := miniaudio.New(opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	closers := []func() error{backend.Close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("audio close error", "err", err)
			}
		}
	}

	dev := backend.Device()
	if cfg.Backend == config.BackendPortAudio {
		pa, err := portaudio.New(cfg.InputDevice)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, pa.Close)
		dev = pa
	}

	var player audio.Player
	if p, err := backend.Player(); err != nil {
		slog.Warn("no audio output, AI responses will be text-only", "err", err)
	} else {
		player = p
	}
	return dev, closeAll, player, nil
}

// buildTTS creates the on-device speech provider. It returns a nil provider
// when speech is disabled.
func buildTTS(cfg config.SpeechConfig) (tts.Provider, string, error) {
	if cfg.Provider == "" {
		return nil, "", nil
	}
	primary, err := newTTS(cfg, cfg.Provider)
	if err != nil {
		return nil, "", fmt.Errorf("create tts provider %q: %w", cfg.Provider, err)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Provider)
	if cfg.Fallback == "" {
		return primary, cfg.Provider, nil
	}

	fallback, err := newTTS(cfg, cfg.Fallback)
	if err != nil {
		return nil, "", fmt.Errorf("create tts fallback %q: %w", cfg.Fallback, err)
	}
	group := resilience.NewTTSFallback(primary, cfg.Provider, resilience.FallbackConfig{})
	group.AddFallback(cfg.Fallback, fallback)
	slog.Info("provider created", "kind", "tts", "name", cfg.Fallback, "role", "fallback")
	return group, cfg.Provider, nil
}

func newTTS(cfg config.SpeechConfig, name string) (tts.Provider, error) {
	switch name {
	case "elevenlabs":
		key := cfg.ElevenLabs.APIKey
		if key == "" && cfg.ElevenLabs.APIKeyEnv != "" {
			key = os.Getenv(cfg.ElevenLabs.APIKeyEnv)
		}
		var opts []elevenlabs.Option
		if cfg.ElevenLabs.Model != "" {
			opts = append(opts, elevenlabs.WithModel(cfg.ElevenLabs.Model))
		}
		if cfg.ElevenLabs.OutputFormat != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(cfg.ElevenLabs.OutputFormat))
		}
		return elevenlabs.New(key, opts...)
	case "coqui":
		var opts []coqui.Option
		if cfg.Coqui.Language != "" {
			opts = append(opts, coqui.WithLanguage(cfg.Coqui.Language))
		}
		if cfg.Coqui.Timeout > 0 {
			opts = append(opts, coqui.WithTimeout(cfg.Coqui.Timeout))
		}
		return coqui.New(cfg.Coqui.URL, opts...)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func buildTokens(cfg config.AuthConfig) *auth.Source {
	env := cfg.TokenEnv
	if env == "" {
		env = auth.DefaultEnv
	}
	opts := []auth.Option{auth.WithEnv(env)}
	if cfg.TokenFile != "" {
		opts = append(opts, auth.WithFile(cfg.TokenFile))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, auth.WithLeeway(cfg.Leeway))
	}
	return auth.NewSource(opts...)
}

func transportOptions(cfg config.TransportConfig) []ws.Option {
	opts := []ws.Option{ws.WithRetry(cfg.MaxAttempts, cfg.Backoff, cfg.MaxBackoff)}
	if cfg.HandshakeTimeout > 0 {
		opts = append(opts, ws.WithHandshakeTimeout(cfg.HandshakeTimeout))
	}
	if cfg.PingInterval > 0 {
		opts = append(opts, ws.WithPingInterval(cfg.PingInterval))
	}
	return opts
}

func sessionOptions(cfg *config.Config, metrics *observe.Metrics) ([]call.Option, error) {
	enc, err := codec.New(cfg.Capture.Codec)
	if err != nil {
		return nil, err
	}
	capOpts := []capture.Option{capture.WithEncoder(enc)}
	if cfg.Capture.MinPayloadBytes > 0 {
		capOpts = append(capOpts, capture.WithMinPayloadBytes(cfg.Capture.MinPayloadBytes))
	}
	if cfg.Capture.MaxDuration > 0 {
		capOpts = append(capOpts, capture.WithMaxDuration(cfg.Capture.MaxDuration))
	}

	opts := []call.Option{
		call.WithMetrics(metrics),
		call.WithVADConfig(cfg.VAD.Detector()),
		call.WithCaptureFormat(cfg.Capture.Format()),
		call.WithCaptureOptions(capOpts...),
		call.WithGreeting(cfg.Call.Greeting),
		call.WithInactivityTimeout(cfg.Call.InactivityTimeout),
		call.WithTurnTimeout(cfg.Call.TurnTimeout),
		call.WithErrorThreshold(cfg.Call.ErrorThreshold),
		call.WithErrorResetTimeout(cfg.Call.ErrorResetTimeout),
	}
	if len(cfg.Call.Hallucinations) > 0 {
		opts = append(opts, call.WithHallucinations(cfg.Call.Hallucinations))
	}
	if cfg.VAD.Smoothing != nil {
		opts = append(opts, call.WithSmoothing(*cfg.VAD.Smoothing))
	}
	return opts, nil
}

func statusServer(addr string, sess *call.Session, tr *ws.Client, dev audio.Device, metricsHandler http.Handler, metrics *observe.Metrics) *http.Server {
	h := health.New(
		health.WithCheckers(
			health.Checker{Name: "transport", Check: func(context.Context) error {
				if !tr.Connected() {
					return errors.New("not connected")
				}
				return nil
			}},
			health.Checker{Name: "microphone", Check: dev.Probe},
		),
		health.WithStatus(sess.Status),
	)
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", metricsHandler)
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics, observe.WithCallID(sess.CallID))(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Terminal UI ───────────────────────────────────────────────────────────────

// printEvents renders session events until the call ends or ctx is done.
func printEvents(ctx context.Context, sess *call.Session, hangup context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sess.Events():
			switch ev.Kind {
			case call.EventMessage:
				who := "You"
				if ev.Message.Speaker == types.SpeakerAI {
					who = "AI"
				}
				fmt.Printf("%s: %s\n", who, ev.Message.Text)
			case call.EventState:
				slog.Debug("call state", "ai", ev.Snapshot.AIState, "muted", ev.Snapshot.Muted)
			case call.EventError:
				fmt.Fprintf(os.Stderr, "! %v\n", ev.Err)
			case call.EventEnded:
				if ev.Err != nil {
					fmt.Fprintf(os.Stderr, "Call ended: %v\n", ev.Err)
				} else {
					fmt.Println("Call ended.")
				}
				hangup()
				return
			}
		}
	}
}

// readCommands sends typed lines as messages. Reading from in cannot be
// interrupted, so lines are scanned on a detached goroutine.
func readCommands(ctx context.Context, in io.Reader, out io.Writer, sess *call.Session, hangup context.CancelFunc) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				hangup()
				return nil
			}
			line = strings.TrimSpace(line)
			var err error
			switch line {
			case "":
				continue
			case "/quit", "/hangup":
				hangup()
				return nil
			case "/mute":
				err = sess.Mute(ctx)
			case "/unmute":
				err = sess.Unmute(ctx)
			default:
				err = sess.SendMessage(ctx, line)
			}
			switch {
			case err == nil:
			case errors.Is(err, call.ErrTransportSend):
				// Counted by the session; a streak is reported as an error event.
				slog.Warn("message not delivered", "err", err)
			default:
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}
