package codec

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"

	"github.com/sumnex/voicecall/pkg/audio"
)

// opusFrameMs is the packet duration. 20 ms is the Opus default for speech.
const opusFrameMs = 20

// Opus compresses PCM16 audio into a sequence of Opus packets, each prefixed
// with its length as a big-endian uint16. The trailing partial frame is padded
// with silence.
//
// Opus accepts 8, 12, 16, 24 and 48 kHz input with one or two channels; other
// formats are rejected by Encode.
type Opus struct {
	// Bitrate in bits per second. Zero keeps the libopus default.
	Bitrate int

	enc    *gopus.Encoder
	format audio.Format
}

// MIMEType implements [Encoder].
func (*Opus) MIMEType() string { return "audio/opus" }

// Encode implements [Encoder].
func (o *Opus) Encode(pcm []byte, f audio.Format) ([]byte, error) {
	if err := o.ensureEncoder(f); err != nil {
		return nil, err
	}

	frameSamples := f.SampleRate * opusFrameMs / 1000 // per channel
	frameBytes := frameSamples * f.Channels * 2

	out := make([]byte, 0, len(pcm)/8)
	for off := 0; off < len(pcm); off += frameBytes {
		chunk := pcm[off:min(off+frameBytes, len(pcm))]
		if len(chunk) < frameBytes {
			padded := make([]byte, frameBytes)
			copy(padded, chunk)
			chunk = padded
		}
		packet, err := o.enc.Encode(audio.BytesToInt16s(chunk), frameSamples, frameBytes)
		if err != nil {
			return nil, fmt.Errorf("codec: opus encode: %w", err)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(packet)))
		out = append(out, packet...)
	}
	return out, nil
}

func (o *Opus) ensureEncoder(f audio.Format) error {
	if o.enc != nil && o.format == f {
		return nil
	}
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("codec: opus: unsupported sample rate %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("codec: opus: unsupported channel count %d", f.Channels)
	}
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return fmt.Errorf("codec: create opus encoder: %w", err)
	}
	if o.Bitrate > 0 {
		enc.SetBitrate(o.Bitrate)
	}
	o.enc = enc
	o.format = f
	return nil
}

// SplitOpusPackets splits a payload produced by [Opus.Encode] back into its
// individual packets.
func SplitOpusPackets(payload []byte) ([][]byte, error) {
	var packets [][]byte
	for off := 0; off < len(payload); {
		if off+2 > len(payload) {
			return nil, fmt.Errorf("codec: opus: truncated length prefix at %d", off)
		}
		n := int(binary.BigEndian.Uint16(payload[off:]))
		off += 2
		if off+n > len(payload) {
			return nil, fmt.Errorf("codec: opus: truncated packet at %d", off)
		}
		packets = append(packets, payload[off:off+n])
		off += n
	}
	return packets, nil
}
