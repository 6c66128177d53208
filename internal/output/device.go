package output

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
	"github.com/satindergrewal/stemdeck/internal/audio"
)

// bufferFrames is how much audio the ring holds ahead of the device.
const bufferFrames = audio.SampleRate / 4

// Device plays interleaved stereo float32 frames on the default playback
// device.
type Device struct {
	ctx  *malgo.AllocatedContext
	dev  *malgo.Device
	ring *Ring
	log  zerolog.Logger
}

// Open initialises the default playback device at the engine rate.
func Open(log zerolog.Logger) (*Device, error) {
	d := &Device{
		ring: NewRing(bufferFrames * audio.Channels),
		log:  log.With().Str("component", "output").Logger(),
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		d.log.Debug().Str("backend", msg).Msg("miniaudio")
	})
	if err != nil {
		return nil, fmt.Errorf("audio context: %w", err)
	}
	d.ctx = ctx

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = audio.Channels
	cfg.SampleRate = audio.SampleRate

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: d.fill})
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("playback device: %w", err)
	}
	d.dev = dev
	return d, nil
}

func (d *Device) fill(out, _ []byte, frames uint32) {
	samples := make([]float32, int(frames)*audio.Channels)
	n := d.ring.Read(samples)
	clear(samples[n:])
	for i, v := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
}

// Run starts the device and feeds it from frames until ctx is cancelled or
// frames closes. The device is released on return.
func (d *Device) Run(ctx context.Context, frames <-chan []float32) error {
	defer d.close()
	if err := d.dev.Start(); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}
	d.log.Info().Int("sample_rate", audio.SampleRate).Msg("local output started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if n := d.ring.Write(frame); n < len(frame) {
				d.log.Debug().Int("dropped", len(frame)-n).Msg("output buffer full")
			}
		}
	}
}

func (d *Device) close() {
	d.dev.Uninit()
	d.ctx.Uninit()
	d.ctx.Free()
	d.log.Info().Msg("local output stopped")
}
