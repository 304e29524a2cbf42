package capture_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/sumnex/voicecall/internal/capture"
	"github.com/sumnex/voicecall/pkg/audio"
	"github.com/sumnex/voicecall/pkg/audio/codec"
)

// frame returns a 100 ms 16 kHz mono frame (3200 bytes).
func frame() audio.AudioFrame {
	return audio.AudioFrame{Data: make([]byte, 3200), SampleRate: 16000, Channels: 1}
}

func newController(t *testing.T, opts ...capture.Option) *capture.Controller {
	t.Helper()
	c := capture.New(audio.DefaultFormat, opts...)
	c.Attach()
	return c
}

func TestBeginEnd_ProducesPayload(t *testing.T) {
	c := newController(t)
	if err := c.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !c.Capturing() {
		t.Fatal("Capturing = false after Begin")
	}
	for range 5 {
		c.WriteFrame(frame())
	}

	p, ok, err := c.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if !ok {
		t.Fatal("End returned ok=false")
	}
	if p.Chunks != 5 || p.Bytes != 16000 {
		t.Errorf("chunks=%d bytes=%d, want 5 and 16000", p.Chunks, p.Bytes)
	}
	if p.Duration != 500*time.Millisecond {
		t.Errorf("Duration = %v, want 500ms", p.Duration)
	}
	if p.Voiced != 0 {
		t.Errorf("Voiced = %v, want zero until the detector sets it", p.Voiced)
	}
	if p.MIMEType != "audio/wav" || !codec.IsWAV(p.Data) {
		t.Errorf("payload is not WAV (mime %q)", p.MIMEType)
	}
	if c.Capturing() {
		t.Error("Capturing = true after End")
	}
}

func TestEnd_NoChunks(t *testing.T) {
	c := newController(t)
	_ = c.Begin()
	_, ok, err := c.End()
	if err != nil || ok {
		t.Errorf("End = ok %v err %v, want false nil", ok, err)
	}
}

func TestEnd_NotCapturing(t *testing.T) {
	c := newController(t)
	_, ok, err := c.End()
	if err != nil || ok {
		t.Errorf("End = ok %v err %v, want false nil", ok, err)
	}
}

func TestEnd_BelowMinimumSizeDiscarded(t *testing.T) {
	c := newController(t)
	_ = c.Begin()
	c.WriteFrame(frame()) // 3200 bytes of PCM < 4000
	if _, ok, _ := c.End(); ok {
		t.Error("expected short payload to be discarded")
	}

	c = newController(t, capture.WithMinPayloadBytes(0))
	_ = c.Begin()
	c.WriteFrame(frame())
	if _, ok, _ := c.End(); !ok {
		t.Error("expected payload with minimum disabled")
	}
}

// toneFrame returns a 100 ms 16 kHz mono frame of a 440 Hz tone.
func toneFrame(n int) audio.AudioFrame {
	data := make([]byte, 3200)
	for i := range 1600 {
		t := float64(n*1600+i) / 16000
		v := int16(8000 * math.Sin(2*math.Pi*440*t))
		binary.LittleEndian.PutUint16(data[2*i:], uint16(v))
	}
	return audio.AudioFrame{Data: data, SampleRate: 16000, Channels: 1}
}

func TestEnd_OpusShortUtteranceKept(t *testing.T) {
	// Just over the detector's 800 ms minimum, then the 2 s silence tail.
	// At 6 kbps the packets total well under DefaultMinPayloadBytes.
	c := newController(t, capture.WithEncoder(&codec.Opus{Bitrate: 6000}))
	_ = c.Begin()
	for i := range 9 {
		c.WriteFrame(toneFrame(i))
	}
	for range 20 {
		c.WriteFrame(frame())
	}

	p, ok, err := c.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if !ok {
		t.Fatal("opus utterance discarded by the minimum size gate")
	}
	if p.MIMEType != "audio/opus" || len(p.Data) == 0 {
		t.Errorf("payload mime %q, %d bytes", p.MIMEType, len(p.Data))
	}
	if p.Duration != 2900*time.Millisecond {
		t.Errorf("Duration = %v, want 2.9s", p.Duration)
	}
}

func TestBegin_DuplicateIsNoop(t *testing.T) {
	c := newController(t)
	_ = c.Begin()
	c.WriteFrame(frame())
	c.WriteFrame(frame())
	if err := c.Begin(); err != nil {
		t.Fatalf("second Begin: %v", err)
	}
	p, ok, _ := c.End()
	if !ok || p.Chunks != 2 {
		t.Errorf("duplicate Begin must not reset the buffer: ok=%v chunks=%d", ok, p.Chunks)
	}
}

func TestBegin_NotAttachedIsRetryable(t *testing.T) {
	c := capture.New(audio.DefaultFormat)
	err := c.Begin()
	if !errors.Is(err, capture.ErrRecorderStart) || !errors.Is(err, capture.ErrNotAttached) {
		t.Fatalf("Begin error = %v, want ErrRecorderStart and ErrNotAttached", err)
	}
	if c.Capturing() {
		t.Fatal("failed Begin left controller capturing")
	}
	c.Attach()
	if err := c.Begin(); err != nil {
		t.Fatalf("retry Begin: %v", err)
	}
}

func TestFramesOutsideCaptureIgnored(t *testing.T) {
	c := newController(t, capture.WithMinPayloadBytes(0))
	c.WriteFrame(frame())
	_ = c.Begin()
	c.WriteFrame(frame())
	p, _, _ := c.End()
	c.WriteFrame(frame())
	if p.Chunks != 1 {
		t.Errorf("Chunks = %d, want 1", p.Chunks)
	}
}

func TestFreshBufferPerCapture(t *testing.T) {
	c := newController(t, capture.WithMinPayloadBytes(0))
	_ = c.Begin()
	c.WriteFrame(frame())
	c.WriteFrame(frame())
	_, _, _ = c.End()

	_ = c.Begin()
	c.WriteFrame(frame())
	p, _, _ := c.End()
	if p.Chunks != 1 {
		t.Errorf("second capture Chunks = %d, want 1", p.Chunks)
	}
}

func TestWriteFrame_ConvertsFormat(t *testing.T) {
	c := newController(t, capture.WithMinPayloadBytes(0))
	_ = c.Begin()
	// 100 ms of 48 kHz stereo downmixes and resamples to 3200 bytes.
	c.WriteFrame(audio.AudioFrame{Data: make([]byte, 19200), SampleRate: 48000, Channels: 2})
	p, _, _ := c.End()
	if p.Bytes != 3200 {
		t.Errorf("Bytes = %d, want 3200", p.Bytes)
	}
}

func TestMaxDuration(t *testing.T) {
	c := newController(t, capture.WithMinPayloadBytes(0), capture.WithMaxDuration(250*time.Millisecond))
	_ = c.Begin()
	for range 5 {
		c.WriteFrame(frame())
	}
	p, _, _ := c.End()
	if p.Chunks != 2 {
		t.Errorf("Chunks = %d, want 2 (capped at 250ms)", p.Chunks)
	}
}

type failingEncoder struct{}

func (failingEncoder) Encode([]byte, audio.Format) ([]byte, error) { return nil, errors.New("boom") }
func (failingEncoder) MIMEType() string                         { return "x/fail" }

func TestEnd_EncodeError(t *testing.T) {
	c := newController(t, capture.WithEncoder(failingEncoder{}))
	_ = c.Begin()
	c.WriteFrame(frame())
	_, ok, err := c.End()
	if ok || !errors.Is(err, capture.ErrEncode) {
		t.Errorf("End = ok %v err %v, want ErrEncode", ok, err)
	}
	if c.Capturing() {
		t.Error("encode failure left controller capturing")
	}
}

func TestCloseAndAbort(t *testing.T) {
	c := newController(t)
	_ = c.Begin()
	c.WriteFrame(frame())
	c.Abort()
	if c.Capturing() {
		t.Error("Capturing after Abort")
	}
	if err := c.Begin(); err != nil {
		t.Errorf("Begin after Abort: %v", err)
	}

	c.Close()
	c.Close()
	if c.Capturing() {
		t.Error("Capturing after Close")
	}
	if err := c.Begin(); !errors.Is(err, capture.ErrNotAttached) {
		t.Errorf("Begin after Close = %v, want ErrNotAttached", err)
	}
}
