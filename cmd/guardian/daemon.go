package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/guardian/internal/compression"
	"github.com/loykin/guardian/internal/config"
	"github.com/loykin/guardian/internal/health"
	"github.com/loykin/guardian/internal/history"
	"github.com/loykin/guardian/internal/history/factory"
	"github.com/loykin/guardian/internal/logger"
	mng "github.com/loykin/guardian/internal/manager"
	"github.com/loykin/guardian/internal/metrics"
	"github.com/loykin/guardian/internal/notify"
	"github.com/loykin/guardian/internal/pidfile"
	"github.com/loykin/guardian/internal/recovery"
	"github.com/loykin/guardian/internal/server"
	"github.com/loykin/guardian/internal/shutdown"
	"github.com/loykin/guardian/internal/supervisor"
)

// Start runs the supervisor in the foreground until SIGINT or SIGTERM.
func (c *command) Start(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	log, closer, err := logger.Setup(cfg.LoggerConfig())
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	pf := pidfile.New(cfg.PidFilePath())
	if err := pf.Acquire(); err != nil {
		if errors.Is(err, pidfile.ErrAlreadyRunning) {
			return fmt.Errorf("%w; use 'guardian stop' first", err)
		}
		return err
	}
	defer func() {
		if err := pf.Release(); err != nil {
			log.Warn("remove pid file", "path", pf.Path, "error", err)
		}
	}()
	log.Info("pid file written", "path", pf.Path)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	flag := &shutdown.Flag{}
	// before StartAll, which may block on readiness
	shutdown.Watch(ctx, flag, log)

	notifier := notify.New(cfg.NotifyConfig(), log.With("component", "notify"), openSinks(cfg, log)...)
	defer func() { _ = notifier.Close() }()

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		ms := metrics.NewServer(cfg.Metrics.Listen, nil, log.With("component", "metrics"))
		ms.Start()
		defer shutdownWithin(5*time.Second, ms.Shutdown)
	}

	specs, err := cfg.Specs()
	if err != nil {
		return err
	}
	m, err := mng.New(specs, mng.Options{
		Grace:        cfg.Advanced.ShutdownGracePeriod,
		ExternalPoll: cfg.Advanced.ExternalPoll,
		Notifier:     notifier,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	rc, err := cfg.RecoveryConfig()
	if err != nil {
		return err
	}
	engine := recovery.NewEngine(rc, notifier, log)

	if cfg.API.Enabled {
		router := server.NewRouter(m, engine, server.Options{
			BasePath: cfg.API.BasePath,
			Token:    cfg.API.Token,
			Flag:     flag,
		})
		srv, err := server.NewServer(cfg.API.Listen, router)
		if err != nil {
			return fmt.Errorf("api listen %s: %w", cfg.API.Listen, err)
		}
		log.Info("api listening", "addr", srv.Addr, "base_path", cfg.API.BasePath)
		defer shutdownWithin(5*time.Second, srv.Shutdown)
	}

	sup, err := supervisor.New(cfg.SupervisorConfig(), supervisor.Deps{
		Fleet:      m,
		Health:     health.NewChecker(log),
		Recovery:   engine,
		Rotator:    logger.NewRotator(cfg.LoggerConfig(), cfg.RotatedFiles(), log),
		Compressor: compression.New(cfg.CompressionConfig(), log),
		Notifier:   notifier,
		Flag:       flag,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	c.printf("Starting guardian...\n")
	if err := m.StartAll(ctx, flag); err != nil {
		log.Error("startup failed", "error", err)
		if serr := m.StopAll(context.Background()); serr != nil {
			log.Warn("stop after failed startup", "error", serr)
		}
		return err
	}
	if !flag.Requested() {
		c.printf("All processes started successfully!\n")
	}
	return sup.Run(ctx)
}

// openSinks builds the notification sinks; a sink that fails to open is
// logged and skipped.
func openSinks(cfg *config.Config, log *slog.Logger) []history.Sink {
	if !cfg.Notifications.Enabled {
		return nil
	}
	var sinks []history.Sink
	for _, dsn := range cfg.Notifications.Sinks {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			log.Warn("notification sink disabled", "error", err)
			continue
		}
		sinks = append(sinks, s)
	}
	return sinks
}

func shutdownWithin(d time.Duration, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := fn(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Default().Warn("listener shutdown", "error", err)
	}
}
