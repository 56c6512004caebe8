package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/grandcat/zeroconf"

	"meterhub/server/internal/config"
	"meterhub/server/internal/ingest"
	"meterhub/server/internal/mqttingest"
	"meterhub/server/internal/registry"
	"meterhub/server/internal/store"
	"meterhub/server/internal/telemetry"
)

// App wires together the meterhub services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time

	store      *store.Store
	writer     *telemetry.Writer
	registry   *registry.Registry
	pipeline   *ingest.Pipeline
	subscriber *mqttingest.Subscriber
	mdns       *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &App{cfg: cfg, logger: logger, now: time.Now}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.setup(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if a.cfg.MQTTBroker != "" {
		sub := mqttingest.New(mqttingest.Options{
			Broker:      a.cfg.MQTTBroker,
			ClientID:    a.cfg.MQTTClientID,
			TopicPrefix: a.cfg.MQTTTopicPrefix,
			Logger:      a.logger.With("component", "mqtt"),
		}, a.pipeline)
		if err := sub.Start(ctx); err != nil {
			return err
		}
		a.subscriber = sub
		defer a.subscriber.Stop()
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement unavailable", "error", err)
		}
		defer a.stopMDNS()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	case err := <-httpErrCh:
		return err
	}
}

// setup opens storage and builds the registry and ingestion pipeline.
func (a *App) setup(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}

	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return err
	}

	writer, err := telemetry.NewWriter(a.cfg.DataDir)
	if err != nil {
		_ = db.Close()
		return err
	}

	a.store = db
	a.writer = writer
	a.registry = registry.New(db, a.now)
	a.pipeline = ingest.New(ingest.Deps{
		Meters:   db,
		LastSeen: db,
		Streams:  writer,
		Drops:    db,
		Logger:   a.logger.With("component", "ingest"),
		Now:      a.now,
	})

	a.logger.Info("storage ready", "database", a.cfg.DatabasePath, "data_dir", a.cfg.DataDir)
	return nil
}
