package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/chorus/internal/config"
	"github.com/ent0n29/chorus/internal/connection"
	"github.com/ent0n29/chorus/internal/engine"
	"github.com/ent0n29/chorus/internal/group"
	"github.com/ent0n29/chorus/internal/history"
	"github.com/ent0n29/chorus/internal/httpapi"
	"github.com/ent0n29/chorus/internal/hub"
	"github.com/ent0n29/chorus/internal/observability"
	"github.com/ent0n29/chorus/internal/session"
	"github.com/ent0n29/chorus/internal/taskqueue"
)

type BuildResult struct {
	Config   config.Config
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Registry *connection.Registry
	Sessions *session.Store
	Groups   *group.Coordinator
	History  history.Store
	Hub      *hub.Hub
	API      *httpapi.Server

	// Cleanup releases external resources (the history database).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	engineCfg := engine.Config{
		Mode:            cfg.EngineMode,
		HTTPURL:         cfg.EngineHTTPURL,
		HTTPTimeout:     cfg.EngineHTTPTimeout,
		MockDelay:       cfg.EngineMockDelay,
		SynthesizerMode: cfg.SynthesizerMode,
	}
	generator, err := engine.NewGenerator(engineCfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("generator init failed: %w", err)
	}
	synthesizer, err := engine.NewSynthesizer(engineCfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("synthesizer init failed: %w", err)
	}

	registry := connection.NewRegistry(connection.Options{
		MaxConnections: cfg.MaxConnections,
		OutboundBuffer: cfg.OutboundBuffer,
		SendTimeout:    cfg.SendTimeout,
		Logger:         logger,
		Metrics:        metrics,
	})
	sessions := session.NewStore(0)
	groups := group.NewCoordinator(logger)

	h, err := hub.New(hub.Options{
		Registry:    registry,
		Sessions:    sessions,
		Groups:      groups,
		History:     store,
		Generator:   generator,
		Synthesizer: synthesizer,
		Recognizer:  engine.NewRecognizer(engineCfg),
		Queue: taskqueue.Options{
			MaxDepth:       cfg.QueueMaxSize,
			Workers:        cfg.QueueWorkerCount,
			Policy:         taskqueue.Policy(cfg.QueueOverflowPolicy),
			TaskTimeout:    cfg.QueueTaskTimeout,
			Retention:      cfg.QueueRetention,
			HighWaterRatio: cfg.QueueHighWaterRatio,
			HistoryWindow:  cfg.QueueHistoryWindow,
		},
		Configs:             cfg.CharacterConfigs,
		HistoryContextLimit: cfg.HistoryContextLimit,
		StatusInterval:      cfg.QueueStatusInterval,
		Logger:              logger,
		Metrics:             metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("hub init failed: %w", err)
	}

	return &BuildResult{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Registry: registry,
		Sessions: sessions,
		Groups:   groups,
		History:  store,
		Hub:      h,
		API:      httpapi.New(cfg, h, registry, metrics, logger),
		Cleanup:  store.Close,
	}, nil
}

// Serve runs the HTTP server, the hub and the connection reaper on ln until
// ctx is done, then shuts down within the configured timeout.
func (b *BuildResult) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: b.API.Router()}
	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHub()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.Logger.Info("server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return b.Hub.Run(hubCtx)
	})
	g.Go(func() error {
		b.Registry.StartReaper(gctx, b.Config.ReaperInterval, b.Config.HeartbeatTimeout)
		<-gctx.Done()

		b.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.Config.ShutdownTimeout)
		defer cancel()
		// Clients go first so their tasks are interrupted before the queue
		// stops.
		b.Registry.CloseAll("server_shutdown")
		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			_ = srv.Close()
		}
		stopHub()
		return err
	})
	err := g.Wait()
	b.Logger.Info("shutdown complete")
	return err
}
