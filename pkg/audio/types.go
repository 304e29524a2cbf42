package audio

import "time"

// AudioFrame is a single chunk of PCM audio flowing from a microphone
// [Stream] to its sinks. Frames are the atomic unit of capture: the level
// monitor analyses them and the capture controller buffers them.
type AudioFrame struct {
	// Data is little-endian signed 16-bit PCM.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Opus, 16000 for speech backends).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame's PCM data.
func (f AudioFrame) Duration() time.Duration {
	return PCMDuration(len(f.Data), Format{SampleRate: f.SampleRate, Channels: f.Channels})
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// DefaultFormat is the capture format used when none is configured:
// 16 kHz mono, the common denominator of speech backends.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1}

// BytesPerSecond returns the PCM16 byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// PCMDuration returns how long n bytes of PCM16 audio in format f play for.
// Returns zero for an invalid format.
func PCMDuration(n int, f Format) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}
