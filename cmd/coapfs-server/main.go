package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/edgekit/coapfs"
	"github.com/edgekit/coapfs/internal/api"
	"github.com/edgekit/coapfs/internal/config"
	"github.com/edgekit/coapfs/internal/events"
	"github.com/edgekit/coapfs/internal/platform"
)

func newLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		stderrLogger := zerolog.New(os.Stderr)
		stderrLogger.Fatal().Err(err).Msg("load config")
	}
	logger := newLogger(cfg.Log)

	storage, err := platform.NewDir(cfg.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("open data dir")
	}

	sinks := events.Multi{events.LogSink{Logger: logger}}
	if cfg.NATS.URL != "" {
		ns, err := events.NewNATSSink(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect nats")
		}
		defer ns.Close()
		sinks = append(sinks, ns)
	}

	app := &appState{
		storage: storage,
		logger:  logger,
		buttons: func() string { return "BTN1=OFF,BTN2=OFF,BTN3=OFF" },
	}
	mux := coapfs.NewMux()
	app.routes(mux)

	srv := &coapfs.Server{
		Mux:     mux,
		Storage: storage,
		Logger:  logger,
		Sink:    sinks,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.API.Listen != "" {
		httpSrv := &http.Server{Addr: cfg.API.Listen, Handler: api.Handler(srv, logger)}
		go func() {
			logger.Info().Str("addr", cfg.API.Listen).Msg("control api listening")
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("control api")
			}
		}()
		defer httpSrv.Close()
	}

	if err := srv.ListenAndServe(ctx, cfg.Listen); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("serve")
	}
}
