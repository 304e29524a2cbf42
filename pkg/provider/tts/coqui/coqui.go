// Package coqui provides a TTS provider backed by a locally running Coqui TTS
// server (ghcr.io/coqui-ai/tts-cpu). It is the on-device voice: no API key, no
// network beyond localhost, and therefore the fallback when the cloud
// provider is unavailable.
//
// The server synthesises one utterance per HTTP request, so SynthesizeStream
// splits incoming text into sentences and requests them one by one, emitting
// each sentence's PCM as soon as it is ready.
//
//	p, err := coqui.New("http://localhost:5002", coqui.WithLanguage("en"))
//	stream, err := p.SynthesizeStream(ctx, tts.Text("Hello!"), tts.VoiceProfile{})
package coqui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/sumnex/voicecall/pkg/audio"
	"github.com/sumnex/voicecall/pkg/audio/codec"
	"github.com/sumnex/voicecall/pkg/provider/tts"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultSampleRate = 22050
	ttsEndpoint       = "/api/tts"
	detailsEndpoint   = "/details"

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 4096
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language_id sent to multilingual models (e.g. "en").
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithOutputSampleRate sets the rate all synthesised audio is resampled to.
// Default: 22050 Hz, the native rate of the stock VITS models.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

// Provider implements tts.Provider for a local Coqui TTS server.
type Provider struct {
	serverURL  string
	language   string
	outputRate int
	httpClient *http.Client
}

// New creates a Provider for the server at serverURL (e.g.
// "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		outputRate: defaultSampleRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.outputRate <= 0 {
		return nil, fmt.Errorf("coqui: invalid output sample rate %d", p.outputRate)
	}
	return p, nil
}

// SynthesizeStream accumulates text fragments into sentences and synthesises
// each one in order. The stream ends at the first failed request.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (tts.Stream, error) {
	out := make(chan []byte, 64)
	format := audio.Format{SampleRate: p.outputRate, Channels: 1}

	go func() {
		defer close(out)
		var buf strings.Builder
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					if rest := strings.TrimSpace(buf.String()); rest != "" {
						p.emit(ctx, rest, voice, out)
					}
					return
				}
				buf.WriteString(fragment)
				for {
					s := buf.String()
					idx := findSentenceBoundary(s)
					if idx < 0 {
						break
					}
					buf.Reset()
					buf.WriteString(s[idx+1:])
					if sentence := strings.TrimSpace(s[:idx+1]); sentence != "" {
						if !p.emit(ctx, sentence, voice, out) {
							return
						}
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return tts.Stream{Audio: out, Format: format}, nil
}

// emit synthesises one sentence and writes its PCM to out in chunks. Returns
// false when the stream should end.
func (p *Provider) emit(ctx context.Context, sentence string, voice tts.VoiceProfile, out chan<- []byte) bool {
	pcm, err := p.synthesize(ctx, sentence, voice)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("coqui: synthesis failed", "err", err)
		}
		return false
	}
	for len(pcm) > 0 {
		end := min(pcmChunkSize, len(pcm))
		select {
		case out <- pcm[:end]:
		case <-ctx.Done():
			return false
		}
		pcm = pcm[end:]
	}
	return true
}

// synthesize performs a single GET /api/tts request and returns mono PCM at
// the output rate.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.VoiceProfile) ([]byte, error) {
	params := url.Values{}
	params.Set("text", sentence)
	if voice.ID != "" {
		params.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+ttsEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", ttsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", ttsEndpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	pcm, f, err := codec.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	if f.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return audio.ResampleMono16(pcm, f.SampleRate, p.outputRate), nil
}

// detailsResponse is the body of GET /details. Speakers is empty for
// single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// ListVoices returns one voice per speaker of a multi-speaker model, or a
// single voice named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+detailsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", detailsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", detailsEndpoint, resp.StatusCode)
	}

	var details detailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, fmt.Errorf("coqui: decode details response: %w", err)
	}

	if len(details.Speakers) == 0 {
		name := details.ModelName
		if name == "" {
			name = "default"
		}
		// An empty ID selects the model's only speaker.
		return []tts.VoiceProfile{{
			Name:     name,
			Provider: "coqui",
			Metadata: map[string]string{"type": "single-speaker", "model_name": name},
		}}, nil
	}

	speakers := slices.Clone(details.Speakers)
	slices.Sort(speakers)
	profiles := make([]tts.VoiceProfile, 0, len(speakers))
	for _, spk := range speakers {
		profiles = append(profiles, tts.VoiceProfile{
			ID:       spk,
			Name:     spk,
			Provider: "coqui",
			Metadata: map[string]string{"type": "speaker", "model_name": details.ModelName},
		})
	}
	return profiles, nil
}

// findSentenceBoundary returns the index of the first '.', '!' or '?' that
// ends s or is followed by whitespace, so "3.14" and "Dr.X" do not split.
// Returns -1 when there is none.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 == len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

var _ tts.Provider = (*Provider)(nil)
