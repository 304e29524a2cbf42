package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sumnex/voicecall/pkg/audio"
)

const wavHeaderSize = 44

// WAV encodes PCM16 audio as an uncompressed RIFF/WAVE file.
type WAV struct{}

// MIMEType implements [Encoder].
func (WAV) MIMEType() string { return "audio/wav" }

// Encode implements [Encoder].
func (WAV) Encode(pcm []byte, f audio.Format) ([]byte, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("codec: wav: invalid format %dHz %dch", f.SampleRate, f.Channels)
	}
	const bitsPerSample = 16
	dataLen := len(pcm)
	blockAlign := f.Channels * bitsPerSample / 8

	out := make([]byte, wavHeaderSize, wavHeaderSize+dataLen)
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataLen))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(f.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataLen))
	return append(out, pcm...), nil
}

// DecodeWAV extracts the PCM samples and format from a RIFF/WAVE file. The
// chunk list is walked rather than assuming a fixed 44-byte header because
// encoders may emit extra chunks before "data".
func DecodeWAV(wav []byte) ([]byte, audio.Format, error) {
	if len(wav) < 12 {
		return nil, audio.Format{}, errors.New("codec: wav: too short to be a RIFF file")
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, audio.Format{}, errors.New("codec: wav: missing RIFF/WAVE header")
	}

	var f audio.Format
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch id {
		case "fmt ":
			if size >= 16 && offset+8+16 <= len(wav) {
				body := wav[offset+8:]
				f.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
				f.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			}
		case "data":
			if f.SampleRate == 0 {
				return nil, audio.Format{}, errors.New("codec: wav: data chunk before fmt chunk")
			}
			start := offset + 8
			end := min(start+size, len(wav))
			return wav[start:end], f, nil
		}

		// Chunks are word-aligned.
		offset += 8 + size
		if size%2 != 0 {
			offset++
		}
	}
	return nil, audio.Format{}, errors.New("codec: wav: missing data chunk")
}

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}
