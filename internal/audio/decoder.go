package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strings"

	dspresample "github.com/cwbudde/algo-dsp/dsp/resample"
)

// ErrDecode marks a failure to turn encoded bytes into PCM. It is always
// scoped to a single track.
var ErrDecode = errors.New("decode failed")

// Decoder turns encoded bytes into PCM at the engine sample rate.
type Decoder interface {
	Decode(ctx context.Context, data []byte, mimeHint string) (*Buffer, error)
}

// FFmpegDecoder pipes encoded bytes through an ffmpeg subprocess.
type FFmpegDecoder struct {
	Path string // ffmpeg binary, "ffmpeg" if empty
}

// Decode runs FFmpeg to decode audio to planar float32 at SampleRate.
func (d FFmpegDecoder) Decode(ctx context.Context, data []byte, mimeHint string) (*Buffer, error) {
	bin := d.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-i", "pipe:0",
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ar", fmt.Sprint(SampleRate),
		"-ac", fmt.Sprint(Channels),
		"-loglevel", "error",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg (%s): %v: %s", ErrDecode, mimeHint, err, strings.TrimSpace(stderr.String()))
	}
	if len(out) < 4*Channels {
		return nil, fmt.Errorf("%w: ffmpeg produced no samples (%s)", ErrDecode, mimeHint)
	}
	return Deinterleave(BytesToFloat32(out), Channels, SampleRate), nil
}

// ChainDecoder tries each decoder in order and returns the first success.
type ChainDecoder []Decoder

func (c ChainDecoder) Decode(ctx context.Context, data []byte, mimeHint string) (*Buffer, error) {
	if len(c) == 0 {
		return nil, fmt.Errorf("%w: no decoders configured", ErrDecode)
	}
	var errs []error
	for _, d := range c {
		buf, err := d.Decode(ctx, data, mimeHint)
		if err == nil {
			return buf, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// Resample converts every channel to the target rate. Buffers already at the
// target rate are returned unchanged.
func Resample(b *Buffer, rate int) (*Buffer, error) {
	if b.SampleRate == rate {
		return b, nil
	}
	if b.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", ErrDecode, b.SampleRate)
	}
	out := &Buffer{SampleRate: rate, Channels: make([][]float32, len(b.Channels))}
	for c, ch := range b.Channels {
		// Resamplers carry filter state, so each channel gets its own.
		r, err := dspresample.NewForRates(
			float64(b.SampleRate),
			float64(rate),
			dspresample.WithQuality(dspresample.QualityBest),
		)
		if err != nil {
			return nil, fmt.Errorf("resample %d -> %d: %w", b.SampleRate, rate, err)
		}
		in := make([]float64, len(ch))
		for i, s := range ch {
			in[i] = float64(s)
		}
		res := r.Process(in)
		conv := make([]float32, len(res))
		for i, s := range res {
			conv[i] = float32(s)
		}
		out.Channels[c] = conv
	}
	// Filter delay can leave channels a sample apart; trim to the shortest.
	n := out.Frames()
	for _, ch := range out.Channels {
		n = min(n, len(ch))
	}
	for c := range out.Channels {
		out.Channels[c] = out.Channels[c][:n]
	}
	return out, nil
}

// Deinterleave splits interleaved samples into planar channels.
func Deinterleave(samples []float32, channels, sampleRate int) *Buffer {
	frames := len(samples) / channels
	b := &Buffer{SampleRate: sampleRate, Channels: make([][]float32, channels)}
	for c := range b.Channels {
		b.Channels[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			b.Channels[c][i] = samples[i*channels+c]
		}
	}
	return b
}

// BytesToFloat32 reads little-endian float32 samples. A trailing partial
// sample is dropped.
func BytesToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// Float32ToBytes converts float32 samples to little-endian bytes.
func Float32ToBytes(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}
