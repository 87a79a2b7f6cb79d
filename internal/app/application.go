// Package app assembles the system: configuration, storage, broker, the
// resilience layer, fan-out, and the HTTP surface, in dependency order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"classwatch/internal/api"
	"classwatch/internal/breaker"
	"classwatch/internal/bridge"
	"classwatch/internal/broker"
	"classwatch/internal/config"
	"classwatch/internal/events"
	"classwatch/internal/queue"
	"classwatch/internal/retry"
	"classwatch/internal/router"
	"classwatch/internal/store"
	"classwatch/internal/websocket"
	"classwatch/pkg/types"
)

// Application owns every long-lived component and their shutdown order.
type Application struct {
	config     *config.Config
	logger     *slog.Logger
	store      *store.Store
	broker     broker.Broker
	breaker    *breaker.Breaker
	publisher  *events.GuardedPublisher
	queue      *queue.Queue
	registry   *websocket.Registry
	router     *router.Router
	bridge     *bridge.Bridge
	apiServer  *api.Server
	httpServer *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires all components. Initialization order follows the dependency
// chain: store and broker first, then the resilience layer, then fan-out
// and the HTTP surface on top.
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	eventStore, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	messageBroker, err := newBroker(cfg.Broker)
	if err != nil {
		_ = eventStore.Close()
		return nil, fmt.Errorf("failed to connect broker: %w", err)
	}

	brk := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout)

	publisher := events.NewGuardedPublisher(brk, messageBroker, logger)
	eventQueue := queue.New(queue.Config{
		Capacity:           cfg.Queue.Capacity,
		MaxRetryAttempts:   cfg.Queue.MaxRetryAttempts,
		RetryBaseDelay:     cfg.Queue.RetryBaseDelay,
		RetryBackoffFactor: cfg.Queue.RetryBackoffFactor,
		BatchSize:          cfg.Queue.BatchSize,
		BatchPause:         cfg.Queue.BatchPause,
		RetentionWindow:    cfg.Queue.RetentionWindow,
	}, publisher.Deliver, logger)
	publisher.AttachQueue(eventQueue)

	registry := websocket.NewRegistry(logger)

	executor := retry.NewExecutor(retry.DefaultConfig, &retry.LogReporter{Logger: logger})
	eventRouter := router.New(executor, logger)
	events.RegisterDomainHandlers(eventRouter, eventStore, publisher, logger)

	messageBridge := bridge.New(messageBroker, brk, registry, bridge.Config{
		PollTimeout:    cfg.Broker.PollTimeout,
		ReconnectDelay: cfg.Broker.ReconnectDelay,
	}, logger)

	wsHandler := websocket.NewHandler(registry, eventRouter, websocket.HandlerConfig{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
	}, logger)

	apiServer := api.NewServer(registry, eventQueue, brk, eventStore, logger)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		store:      eventStore,
		broker:     messageBroker,
		breaker:    brk,
		publisher:  publisher,
		queue:      eventQueue,
		registry:   registry,
		router:     eventRouter,
		bridge:     messageBridge,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

func newBroker(cfg *config.BrokerConfig) (broker.Broker, error) {
	switch cfg.Driver {
	case config.BrokerDriverRedis:
		return broker.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return broker.NewMemory(), nil
	}
}

// Start launches the bridges, the background tickers, and the HTTP server.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("starting classwatch", slog.String("addr", app.httpServer.Addr))

	runCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	bindings := []bridge.Binding{
		{Channel: events.ChannelInstructors, ClientType: types.ClientTypeInstructor},
		{Channel: events.ChannelRooms},
	}
	for _, binding := range bindings {
		app.wg.Add(1)
		go func(b bridge.Binding) {
			defer app.wg.Done()
			app.bridge.Run(runCtx, b)
		}(binding)
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.sweepLoop(runCtx)
	}()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.syncLoop(runCtx)
	}()

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		cancel()
		app.wg.Wait()
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info("classwatch started")
		return nil
	case <-ctx.Done():
		cancel()
		app.wg.Wait()
		return ctx.Err()
	}
}

// sweepLoop drops connections with no activity inside the stale window.
func (app *Application) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(app.config.WebSocket.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := app.registry.SweepStale(app.config.WebSocket.StaleTimeout); removed > 0 {
				app.logger.Info("swept stale connections", slog.Int("removed", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

// syncLoop periodically drains the offline queue.
func (app *Application) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(app.config.Queue.SyncEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if app.queue.Status().QueuedCount == 0 {
				continue
			}
			result, err := app.queue.Sync(ctx, false)
			if err != nil {
				continue
			}
			app.logger.Info("offline queue sync",
				slog.Int("total", result.Total),
				slog.Int("successful", result.Successful),
				slog.Int("failed", result.Failed),
				slog.Int("skipped", result.Skipped),
			)
		case <-ctx.Done():
			return
		}
	}
}

// Stop shuts everything down in reverse order: HTTP first, then background
// loops, then broker and store.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down classwatch")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	if app.cancel != nil {
		app.cancel()
	}
	app.wg.Wait()

	if err := app.broker.Close(); err != nil {
		app.logger.Warn("broker shutdown error", slog.String("error", err.Error()))
	}
	if err := app.store.Close(); err != nil {
		app.logger.Warn("event store shutdown error", slog.String("error", err.Error()))
	}

	app.logger.Info("classwatch shutdown complete")
	return nil
}

// Addr returns the bound HTTP address.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}
