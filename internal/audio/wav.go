package audio

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/cwbudde/wav"
)

// WAVDecoder decodes PCM WAV in-process, without a subprocess.
type WAVDecoder struct{}

// IsWAV reports whether the bytes or the mime hint look like RIFF/WAVE.
func IsWAV(data []byte, mimeHint string) bool {
	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		return true
	}
	m := strings.ToLower(mimeHint)
	return strings.Contains(m, "wav") || strings.Contains(m, "wave")
}

func (WAVDecoder) Decode(ctx context.Context, data []byte, mimeHint string) (*Buffer, error) {
	if !IsWAV(data, mimeHint) {
		return nil, fmt.Errorf("%w: not a wav stream (%s)", ErrDecode, mimeHint)
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav file", ErrDecode)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: read wav: %v", ErrDecode, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, fmt.Errorf("%w: invalid wav buffer", ErrDecode)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// FullPCMBuffer is already normalized to [-1, 1].
	ch := buf.Format.NumChannels
	frames := len(buf.Data) / ch
	out := &Buffer{SampleRate: buf.Format.SampleRate, Channels: make([][]float32, ch)}
	for c := range out.Channels {
		out.Channels[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < ch; c++ {
			out.Channels[c][i] = buf.Data[i*ch+c]
		}
	}
	return Resample(out, SampleRate)
}
