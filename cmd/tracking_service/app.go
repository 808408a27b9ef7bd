package trackingservice

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"med-dispatch/internal/dispatch"
	"med-dispatch/internal/general/api"
	"med-dispatch/internal/general/config"
	"med-dispatch/internal/general/logger"
	"med-dispatch/internal/general/memstore"
	"med-dispatch/internal/general/postgres"
	"med-dispatch/internal/general/rabbitmq"
	"med-dispatch/internal/general/websocket"
	"med-dispatch/internal/ports"
	"med-dispatch/internal/registry"
	"med-dispatch/internal/sweep"
	"med-dispatch/internal/tasks"
	"med-dispatch/internal/tracking"
)

// Run wires the tracking service together and blocks until ctx is cancelled
// or the HTTP server fails.
func Run(ctx context.Context, configPath string, maxConcurrent int) error {
	log := logger.New("tracking-service")
	ctx = logger.WithRequestID(ctx, "startup-001")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// trip store: postgres in production, in-memory for local runs
	var store ports.TripStore
	switch cfg.Store.Driver {
	case "memory":
		store = memstore.New()
		log.Info(ctx, "store_ready", "Using in-memory trip store", nil)
	default:
		pool, err := postgres.NewPool(ctx, cfg, log)
		if err != nil {
			log.Error(ctx, "db_connection_failed", "Failed to initialize Postgres pool", err, nil)
			return err
		}
		defer pool.Close()
		store = postgres.NewTripRepo(pool)
	}

	// broker egress: RabbitMQ in production, log-only in memory mode so a
	// local run needs no infrastructure at all
	var pub ports.EventPublisher
	if cfg.Store.Driver == "memory" {
		pub = &logPublisher{log: log}
		log.Info(ctx, "broker_disabled", "Memory mode: broker egress logged, not published", nil)
	} else {
		rmq, err := rabbitmq.ConnectRabbitMQ(ctx, cfg, log)
		if err != nil {
			log.Error(ctx, "rabbitmq_connection_failed", "Failed to connect to RabbitMQ", err, nil)
			return err
		}
		defer rmq.Close()
		pub = rabbitmq.NewMQPublisher(rmq)
	}

	// broadcast registry and background task dispatcher
	reg := registry.New(log, cfg.Registry.QueueSize)
	dispatcher := dispatch.New(log, dispatch.Config{
		Workers:    cfg.Dispatch.Workers,
		RetryMax:   cfg.Dispatch.RetryMax,
		RetryDelay: cfg.Dispatch.RetryDelay,
	})
	tasks.New(log, store, pub).Register(dispatcher)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error(ctx, "dispatcher_stopped", "Task dispatcher terminated", err, nil)
		}
	}()

	// tracking core
	svc := tracking.NewService(log, store, reg, dispatcher)

	// periodic sweeps: stale-position cleanup and timeout detection
	sweeper := sweep.New(log, store, dispatcher, sweep.Config{
		CleanupInterval:  cfg.Sweeps.CleanupInterval,
		RetentionDays:    cfg.Sweeps.RetentionDays,
		TimeoutInterval:  cfg.Sweeps.TimeoutInterval,
		TimeoutThreshold: cfg.Sweeps.TimeoutThreshold,
	})
	go func() { _ = sweeper.Run(ctx) }()

	// HTTP + WebSocket routes
	mux := http.NewServeMux()
	api.NewHandler(log, svc).RegisterRoutes(mux)
	ws := websocket.NewHandler(log, svc)
	mux.HandleFunc("GET /ws/trips/{trip_id}/location", ws.ServeLocation)
	mux.HandleFunc("GET /ws/trips/{trip_id}/status", ws.ServeStatus)

	// concurrency limiter (global) — blocks when capacity is full
	limitedHandler := withConcurrencyLimit(maxConcurrent, mux)

	// no ReadTimeout/WriteTimeout: live trip channels stay open for the whole
	// connection lifetime, keepalive is handled at the WebSocket layer
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           limitedHandler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	log.Info(ctx, "service_started",
		fmt.Sprintf("Tracking Service started on port %d", cfg.Server.Port),
		map[string]any{"port": cfg.Server.Port, "max_concurrent": maxConcurrent, "store": cfg.Store.Driver},
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		// graceful HTTP shutdown on context cancel
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, "http_shutdown_failed", "Failed to gracefully shut down HTTP server", err, nil)
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error(ctx, "http_server_error", "HTTP server terminated with error", err, map[string]any{"port": cfg.Server.Port})
			return err
		}
	}

	return nil
}

// logPublisher stands in for the broker in memory mode: outbound events are
// logged and discarded.
type logPublisher struct {
	log *logger.Logger
}

func (p *logPublisher) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	p.log.Info(ctx, "event_discarded", "Broker disabled; outbound event discarded", map[string]any{
		"exchange":    exchange,
		"routing_key": routingKey,
		"bytes":       len(body),
	})
	return nil
}

// withConcurrencyLimit wraps an http.Handler with a semaphore-based limiter.
// It controls how many HTTP requests can be in-progress at the same time.
func withConcurrencyLimit(n int, next http.Handler) http.Handler {
	if n <= 0 {
		return next
	}
	sem := make(chan struct{}, n)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}: // acquire
			defer func() { <-sem }() // release
			next.ServeHTTP(w, r)
		case <-r.Context().Done():
			// client canceled or server is shutting down
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		}
	})
}
