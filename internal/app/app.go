package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"trapwatch/go-mqtt-server/internal/config"
	"trapwatch/go-mqtt-server/internal/decoder"
	"trapwatch/go-mqtt-server/internal/ingest"
	"trapwatch/go-mqtt-server/internal/metrics"
	"trapwatch/go-mqtt-server/internal/mqttbroker"
	"trapwatch/go-mqtt-server/internal/registry"
	"trapwatch/go-mqtt-server/internal/store"
	"trapwatch/go-mqtt-server/internal/upstream"
)

// App wires together the trapwatch services and manages their lifecycle.
// Everything that consumes registry changes is attached in New, before any
// transport can deliver an advertisement.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	decoder  *decoder.Decoder
	registry *registry.Registry
	adapter  *ingest.Adapter
	metrics  *metrics.Metrics
	broker   *mqttbroker.Broker

	storeMu sync.RWMutex
	store   *store.Store

	mdns *zeroconf.Server
}

// New constructs the application and attaches the change consumers.
func New(cfg config.Config, logger *slog.Logger) *App {
	a := &App{cfg: cfg, logger: logger}

	a.decoder = decoder.New(
		decoder.WithVendorID(cfg.VendorID),
		decoder.WithVariants(cfg.Variants...),
	)
	a.registry = registry.New(registry.WithStaleAfter(cfg.StaleAfter))
	a.metrics = metrics.New(a.registry)
	a.broker = mqttbroker.New(logger)
	a.broker.SetPublishHandler(a.handleMQTTPublish)

	opts := []ingest.Option{
		ingest.WithRecorder(a.metrics),
		ingest.WithQueueSize(cfg.QueueSize),
	}
	if cfg.RecordRejects {
		opts = append(opts, ingest.WithRejectHandler(a.handleReject))
	}
	a.adapter = ingest.New(a.decoder, a.registry, logger, opts...)

	a.registry.Subscribe(a.metrics.Change)
	a.registry.Subscribe(a.publishState)
	a.registry.Subscribe(a.journalChange)

	return a
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.openStore(ctx); err != nil {
		return err
	}
	defer a.closeStore()

	applierCtx, stopApplier := context.WithCancel(context.Background())
	applierDone := make(chan struct{})
	go func() {
		defer close(applierDone)
		_ = a.adapter.Run(applierCtx)
	}()
	defer func() {
		stopApplier()
		<-applierDone
	}()

	brokerErrCh, err := a.broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return err
	}

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(brokerPort(a.broker)); err != nil {
			a.logger.Warn("mDNS advertisement unavailable", "error", err)
		}
		defer a.stopMDNS()
	}

	upstreamErrCh := make(chan error, 1)
	upstreamCtx, stopUpstream := context.WithCancel(ctx)
	defer stopUpstream()
	if a.cfg.UpstreamBroker != "" {
		sub := upstream.New(a.cfg.UpstreamBroker, a.cfg.EffectiveUpstreamTopic(), "", a.handleMQTTPublish, a.logger)
		go func() {
			if err := sub.Run(upstreamCtx); err != nil {
				upstreamErrCh <- fmt.Errorf("upstream subscriber: %w", err)
			}
		}()
	}

	httpErrCh := make(chan error, 2)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if a.cfg.MetricsPort > 0 {
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
			Handler:           a.metricsRoutes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("metrics server started", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
			}
		}
		a.logger.Info("http servers stopped")

		stopUpstream()
		if err := a.broker.Stop(); err != nil {
			errs = append(errs, err)
		}
		a.logger.Info("mqtt broker stopped")
		return errors.Join(errs...)
	}

	for {
		select {
		case <-ctx.Done():
			return shutdown()
		case err := <-httpErrCh:
			return errors.Join(err, shutdown())
		case err := <-upstreamErrCh:
			return errors.Join(err, shutdown())
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				return errors.Join(err, shutdown())
			}
		}
	}
}

// LoadPersisted overlays the settings saved through POST /api/config onto
// cfg. The store is opened only long enough to read them. On error cfg is
// returned unchanged.
func LoadPersisted(ctx context.Context, cfg config.Config) (config.Config, error) {
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return cfg, err
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		return cfg, err
	}
	values, err := db.AppConfig(ctx)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyPersisted(values); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (a *App) openStore(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return err
	}

	a.storeMu.Lock()
	a.store = db
	a.storeMu.Unlock()
	return nil
}

func (a *App) closeStore() {
	a.storeMu.Lock()
	db := a.store
	a.store = nil
	a.storeMu.Unlock()

	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
}

// db returns the open store, or nil before Run has opened it.
func (a *App) db() *store.Store {
	a.storeMu.RLock()
	defer a.storeMu.RUnlock()
	return a.store
}

func brokerPort(b *mqttbroker.Broker) int {
	addr := b.Addr()
	if addr == nil {
		return 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
