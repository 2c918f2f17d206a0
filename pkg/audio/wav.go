package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAV is a decoded RIFF/WAVE file.
type WAV struct {
	Format Format

	// Channels holds one planar float slice per channel.
	Channels [][]float32
}

// Frames returns the number of samples per channel.
func (w WAV) Frames() int {
	if len(w.Channels) == 0 {
		return 0
	}
	return len(w.Channels[0])
}

// DecodeWAV parses a RIFF/WAVE file holding 16-bit integer PCM. Unknown
// chunks are skipped; a data chunk whose declared size runs past the end of
// the file is truncated to what is present, which is how streamed WAV
// responses often arrive.
func DecodeWAV(data []byte) (WAV, error) {
	if len(data) < 12 {
		return WAV{}, errors.New("audio: WAV too short to be a RIFF file")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAV{}, errors.New("audio: missing RIFF/WAVE header")
	}

	var (
		f      Format
		bits   int
		tag    uint16
		hasFmt bool
	)
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := data[offset+8:]

		switch id {
		case "fmt ":
			if size < 16 || len(body) < 16 {
				return WAV{}, errors.New("audio: truncated fmt chunk")
			}
			tag = binary.LittleEndian.Uint16(body[0:2])
			f.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = int(binary.LittleEndian.Uint16(body[14:16]))
			hasFmt = true

		case "data":
			if !hasFmt {
				return WAV{}, errors.New("audio: data chunk before fmt chunk")
			}
			const formatPCM, formatExtensible = 1, 0xFFFE
			if (tag != formatPCM && tag != formatExtensible) || bits != 16 {
				return WAV{}, fmt.Errorf("audio: unsupported WAV encoding (tag %d, %d bits)", tag, bits)
			}
			if f.Channels < 1 || f.SampleRate < 1 {
				return WAV{}, fmt.Errorf("audio: invalid WAV format %s", f)
			}
			if size > len(body) {
				size = len(body)
			}
			return WAV{Format: f, Channels: decodePlanar(body[:size], f.Channels)}, nil
		}

		// Chunks are word aligned.
		offset += 8 + size + size%2
	}
	return WAV{}, errors.New("audio: WAV has no data chunk")
}

func decodePlanar(pcm []byte, channels int) [][]float32 {
	frames := len(pcm) / (2 * channels)
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			p := (i*channels + c) * 2
			out[c][i] = float32(int16(binary.LittleEndian.Uint16(pcm[p:]))) / 32768
		}
	}
	return out
}
