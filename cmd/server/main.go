package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/CareCall/internal/adapters/http"
	"github.com/dkeye/CareCall/internal/adapters/media"
	"github.com/dkeye/CareCall/internal/adapters/rtc"
	"github.com/dkeye/CareCall/internal/adapters/store/memory"
	"github.com/dkeye/CareCall/internal/adapters/store/mongo"
	"github.com/dkeye/CareCall/internal/app"
	"github.com/dkeye/CareCall/internal/app/call"
	"github.com/dkeye/CareCall/internal/config"
	"github.com/dkeye/CareCall/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, v, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	config.ApplyLogLevel(cfg.LogLevel)
	config.Watch(v)

	signalCh, closeSignal, err := openSignal(ctx, cfg.Signal)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Signal.Driver).Msg("signal channel")
	}
	defer closeSignal()

	capturer, err := media.NewCapturer(cfg.Media.Driver)
	if err != nil {
		log.Fatal().Err(err).Msg("media driver")
	}
	devices := media.NewController(capturer, media.Constraints{
		Audio:        true,
		Video:        true,
		MaxWidth:     cfg.Media.MaxWidth,
		MaxHeight:    cfg.Media.MaxHeight,
		VideoBitrate: cfg.Media.VideoBitrate,
	})

	peers, err := rtc.NewFactory(rtc.Config{
		STUNServers:         cfg.ICE.STUNServers,
		DisconnectedTimeout: cfg.ICE.DisconnectedTimeout,
		FailedTimeout:       cfg.ICE.FailedTimeout,
		KeepaliveInterval:   cfg.ICE.KeepaliveInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("peer factory")
	}

	deps := call.Deps{Signal: signalCh, Media: devices, Peers: peers}
	opts := call.DefaultOptions()
	opts.RetryDelay = cfg.Signal.RetryDelay
	opts.CleanupTimeout = cfg.Signal.CleanupTimeout

	orch := &app.Orchestrator{
		Registry:   app.NewRegistry(),
		Signal:     signalCh,
		NewSession: func() *call.Session { return call.NewSession(deps, opts) },
		Limiter:    app.NewJoinRateLimiter(cfg.Join.RateLimit, cfg.Join.RateInterval),
		Base:       ctx,
	}

	r := router.SetupRouter(ctx, cfg, orch)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("media", cfg.Media.Driver).Str("signal", cfg.Signal.Driver).Msg("CareCall server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	orch.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func openSignal(ctx context.Context, cfg config.SignalConfig) (core.SignalChannel, func(), error) {
	switch cfg.Driver {
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := mongo.Connect(connectCtx, mongo.Config{
			URI:              cfg.MongoURI,
			Database:         cfg.MongoDatabase,
			ResubscribeDelay: cfg.RetryDelay,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Close(closeCtx); err != nil {
				log.Warn().Err(err).Msg("mongo close")
			}
		}, nil
	default:
		return memory.New(), func() {}, nil
	}
}
