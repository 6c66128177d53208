package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/satindergrewal/stemdeck/internal/analysis"
	"github.com/satindergrewal/stemdeck/internal/audio"
	"github.com/satindergrewal/stemdeck/internal/clock"
	"github.com/satindergrewal/stemdeck/internal/config"
	"github.com/satindergrewal/stemdeck/internal/engine"
	"github.com/satindergrewal/stemdeck/internal/output"
	"github.com/satindergrewal/stemdeck/internal/secondscreen"
	"github.com/satindergrewal/stemdeck/internal/stream"
)

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogFormat == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func newDecoder(ctx context.Context, cfg config.Config, log zerolog.Logger) audio.Decoder {
	chain := audio.ChainDecoder{audio.WAVDecoder{}}
	if cfg.DecodeServiceURL != "" {
		svc := audio.NewServiceDecoder(cfg.DecodeServiceURL, log)
		healthCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := svc.WaitForHealthy(healthCtx, 2*time.Second); err != nil {
			log.Warn().Err(err).Msg("decode service not available, falling back to ffmpeg")
		} else {
			chain = append(chain, svc)
		}
		cancel()
	}
	return append(chain, audio.FFmpegDecoder{Path: cfg.FFmpegPath})
}

func main() {
	cfg := config.Load()
	log := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().Msg("stemdeck starting up")

	eng := engine.New(engine.Options{
		MasterVolume:  cfg.MasterVolume,
		TickInterval:  cfg.TickInterval(),
		GainSmoothing: cfg.GainSmoothing,
		Scheduler:     clock.Real{},
		Decoder:       newDecoder(ctx, cfg, log),
		Analyzer:      analysis.New(log),
		Logger:        log,
	})
	if err := eng.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine init")
	}
	defer eng.Shutdown()

	// Broadcaster: fan-out rendered frames to every monitor
	frames := stream.NewBroadcaster[[]float32](150)
	go frames.Run(ctx, eng.Frames())

	if cfg.LocalOutput {
		dev, err := output.Open(log)
		if err != nil {
			log.Warn().Err(err).Msg("local output unavailable")
		} else {
			l := frames.Subscribe()
			go func() {
				defer frames.Unsubscribe(l)
				if err := dev.Run(ctx, l.C); err != nil {
					log.Error().Err(err).Msg("local output")
				}
			}()
		}
	}

	webrtcHandler := stream.NewWebRTCHandler(frames, cfg.OpusBitrate, log)
	sender := secondscreen.NewSender(eng, clock.Real{}, cfg.SyncInterval, log)

	srv := &api{
		eng:    eng,
		sender: sender,
		frames: frames,
		webrtc: webrtcHandler,
		log:    log.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	srv.routes(mux)
	mux.Handle("/stream", stream.NewHTTPHandler(frames, cfg.FFmpegPath, cfg.MP3Bitrate, log))
	mux.Handle("/offer", webrtcHandler)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		sender.Disconnect()
		webrtcHandler.Close()
		server.Close()
	}()

	log.Info().Str("addr", addr).Msg("stemdeck listening")
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http server")
	}
}
