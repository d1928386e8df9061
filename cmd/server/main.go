package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/tow-dispatch/internal/config"
	"github.com/example/tow-dispatch/internal/dispatch"
	"github.com/example/tow-dispatch/internal/events"
	"github.com/example/tow-dispatch/internal/geo"
	httpapi "github.com/example/tow-dispatch/internal/http"
	"github.com/example/tow-dispatch/internal/ingest"
	"github.com/example/tow-dispatch/internal/logging"
	"github.com/example/tow-dispatch/internal/observability"
	"github.com/example/tow-dispatch/internal/payments"
	"github.com/example/tow-dispatch/internal/pricing"
	"github.com/example/tow-dispatch/internal/realtime"
	"github.com/example/tow-dispatch/internal/routing"
	"github.com/example/tow-dispatch/internal/storage"
	"github.com/example/tow-dispatch/internal/tracker"
)

const (
	offerKeyPrefix = "offers:"
	offerTTL       = 24 * time.Hour
	// Stripe amounts are in the currency's minor unit.
	stripeMinorUnits = 100
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := store.(interface{ Close() error }); ok {
		closers = append(closers, func() { _ = c.Close() })
	}

	var (
		index   tracker.SpatialIndex
		pool    dispatch.PoolSource = dispatch.StorePool{Store: store}
		offers  storage.OfferLog    = storage.NewMemoryOfferLog()
		handler []events.Handler
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, func() { _ = rc.Close() })
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup", "addr", cfg.RedisAddr, "error", err)
		}
		ri := geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		index = ri
		pool = dispatch.IndexedPool{Index: ri, Store: store, Log: logging.Component(logger, "pool")}
		offers = storage.NewRedisOfferLog(rc, offerKeyPrefix, offerTTL)
	}

	bus := realtime.NewBus(realtime.NewMemoryRegistry(), logging.Component(logger, "realtime"))
	handler = append(handler, realtime.NewFanout(bus, offers, logging.Component(logger, "fanout")))

	var publisher tracker.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaEventsTopic, logging.Component(logger, "kafka"))
		closers = append(closers, func() { _ = kp.Close() })
		publisher = kp
		handler = append(handler, kp)
	}
	if cfg.AMQPURL != "" {
		ap, err := ingest.NewAMQPPublisher(ctx, cfg.AMQPURL, cfg.AMQPExchange, logging.Component(logger, "amqp"))
		if err != nil {
			logger.Warn("amqp publisher disabled", "error", err)
		} else {
			closers = append(closers, ap.Close)
			handler = append(handler, ap)
		}
	}
	if cfg.StripeAPIKey != "" {
		handler = append(handler, payments.NewSettlement(payments.NewStripeClient(cfg.StripeAPIKey), stripeMinorUnits, logging.Component(logger, "payments")))
	}

	dispatcher := events.NewDispatcher(logging.Component(logger, "events"), cfg.EventWorkers, cfg.EventBuffer, handler...)
	// Drained before the sinks it feeds are closed.
	closers = append(closers, dispatcher.Close)

	engine, err := pricing.NewEngine(cfg.Tariffs)
	if err != nil {
		return err
	}
	router, err := buildRouter(cfg, logger)
	if err != nil {
		return err
	}

	coord, err := dispatch.NewCoordinator(dispatch.Options{
		Store:            store,
		Pricing:          engine,
		Router:           router,
		Pool:             pool,
		Offers:           offers,
		Emitter:          dispatcher,
		Log:              logging.Component(logger, "dispatch"),
		DispatchRadiusKm: cfg.DispatchRadiusKm,
		NearbyRadiusKm:   cfg.NearbyRadiusKm,
		FallbackSpeedMps: cfg.FallbackSpeedMps,
	})
	if err != nil {
		return err
	}
	trk := tracker.New(store, index, publisher, logging.Component(logger, "tracker"))

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(coord, trk, bus, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tow-dispatch listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Info("using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := ps.Migrate(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		logger.Info("migrations applied")
	}
	return ps, nil
}

// buildRouter chains the configured road-distance providers behind a TTL cache
// and the great-circle fallback.
func buildRouter(cfg config.ServerConfig, logger *slog.Logger) (routing.Provider, error) {
	var providers []routing.Provider
	if cfg.OSRMEndpoint != "" {
		providers = append(providers, routing.NewCached(routing.NewOSRMClient(cfg.OSRMEndpoint), cfg.RouteCacheTTL))
	}
	if cfg.GoogleMapsAPIKey != "" {
		gm, err := routing.NewGoogleMapsClient(cfg.GoogleMapsAPIKey, "co")
		if err != nil {
			return nil, err
		}
		providers = append(providers, routing.NewCached(gm, cfg.RouteCacheTTL))
	}
	if len(providers) == 0 {
		logger.Warn("no routing provider configured, distances are great-circle estimates")
	}
	return routing.NewFallback(logging.Component(logger, "routing"), cfg.FallbackSpeedMps, observability.RoutingFallbacks.Inc, providers...), nil
}
