package audio

import "time"

const (
	SampleRate    = 48000
	Channels      = 2
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
)

// Buffer is decoded, planar PCM at a known sample rate. Buffers are never
// mutated after decode; tracks share them freely.
type Buffer struct {
	Channels   [][]float32
	SampleRate int
}

// NewBuffer wraps planar channel data. All channels must have equal length.
func NewBuffer(sampleRate int, channels ...[]float32) *Buffer {
	return &Buffer{Channels: channels, SampleRate: sampleRate}
}

// Frames returns the number of samples per channel.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Mono averages all channels into one. A single-channel buffer is returned as is.
func (b *Buffer) Mono() []float32 {
	n := b.Frames()
	if n == 0 {
		return nil
	}
	if len(b.Channels) == 1 {
		return b.Channels[0]
	}
	out := make([]float32, n)
	scale := 1 / float32(len(b.Channels))
	for _, ch := range b.Channels {
		for i := 0; i < n && i < len(ch); i++ {
			out[i] += ch[i] * scale
		}
	}
	return out
}

// Sample returns the value of channel ch at frame i, mapping a mono buffer
// onto every output channel.
func (b *Buffer) Sample(ch, i int) float32 {
	if len(b.Channels) == 1 {
		ch = 0
	}
	if ch >= len(b.Channels) {
		return 0
	}
	return b.Channels[ch][i]
}
