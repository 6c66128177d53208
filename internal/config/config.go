package config

import (
	"os"
	"strconv"
	"time"
)

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Server
	Port int

	// Logging
	LogLevel  string // zerolog level name
	LogFormat string // console or json

	// Engine
	MasterVolume  float64
	TickRate      int           // transport position ticks per second
	GainSmoothing time.Duration // mix ramp time constant

	// Second screen
	SyncInterval   time.Duration // sender broadcast period
	DriftTolerance float64       // seconds of drift the receiver ignores

	// Decoding
	DecodeServiceURL string // optional remote decode service
	FFmpegPath       string

	// Outputs
	LocalOutput bool   // play the mix on the default sound device
	MP3Bitrate  string // ffmpeg -b:a value for /stream
	OpusBitrate int    // bits per second for /offer
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		Port: envInt("STEMDECK_PORT", 8080),

		LogLevel:  envStr("STEMDECK_LOG_LEVEL", "info"),
		LogFormat: envStr("STEMDECK_LOG_FORMAT", "console"),

		MasterVolume:  envFloat("STEMDECK_MASTER_VOLUME", 1.0),
		TickRate:      envInt("STEMDECK_TICK_HZ", 60),
		GainSmoothing: envDuration("STEMDECK_GAIN_SMOOTHING", 50*time.Millisecond),

		SyncInterval:   envDuration("STEMDECK_SYNC_INTERVAL", 500*time.Millisecond),
		DriftTolerance: envFloat("STEMDECK_DRIFT_TOLERANCE", 0.5),

		DecodeServiceURL: envStr("STEMDECK_DECODE_URL", ""),
		FFmpegPath:       envStr("STEMDECK_FFMPEG", "ffmpeg"),

		LocalOutput: envBool("STEMDECK_LOCAL_OUTPUT", false),
		MP3Bitrate:  envStr("STEMDECK_MP3_BITRATE", "192k"),
		OpusBitrate: envInt("STEMDECK_OPUS_BITRATE", 128000),
	}
}

// TickInterval converts TickRate into a ticker period, falling back to 60 Hz.
func (c Config) TickInterval() time.Duration {
	if c.TickRate <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(c.TickRate)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("250ms") or bare milliseconds ("250").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return fallback
}
