package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/fjod/go_checkout/internal/cache"
	"github.com/fjod/go_checkout/internal/config"
	h "github.com/fjod/go_checkout/internal/http"
	"github.com/fjod/go_checkout/internal/lock"
	"github.com/fjod/go_checkout/internal/publisher"
	"github.com/fjod/go_checkout/internal/repository"
	"github.com/fjod/go_checkout/internal/service"
	"github.com/fjod/go_checkout/internal/session"
	"github.com/fjod/go_checkout/internal/store"
	"github.com/fjod/go_checkout/pkg/circuitbreaker"
	"github.com/fjod/go_checkout/pkg/logger"
	"github.com/fjod/go_checkout/pkg/metrics"
)

const serviceName = "checkout-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{Service: serviceName, Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeWith(log, "store", st)()

	cartCache := cache.CartCache(cache.Noop{})
	bags := session.Bags(session.NewMemoryBags())
	locks := lock.Locker(lock.NewKeyedMutex(cfg.LockTimeout))

	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Info("connected to redis", "addr", cfg.RedisAddr)

		cartCache = cache.NewRedisCache(redisClient, cfg.CacheTTL)
		bags = session.NewRedisBags(redisClient, cfg.CheckoutMaxLifetime)
		locks = lock.NewRedisLocker(redisClient, 2*cfg.LockTimeout, cfg.LockTimeout, log)
	} else {
		log.Warn("REDIS_ADDR not set, using in-process cache, sessions and locks")
	}

	notifier, closeNotifier := openNotifier(cfg, log)
	defer closeNotifier()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	serverMetrics := metrics.NewServerMetrics(reg, serviceName)
	orderMetrics := metrics.NewOrderMetrics(reg)

	sessions := session.NewManager(cfg.CheckoutIdleTimeout, cfg.CheckoutMaxLifetime)
	carts := service.NewCartService(st, cartCache, locks, log)
	orders := service.NewOrderService(st, carts, sessions, notifier, service.OrderConfig{
		Currency:        cfg.Currency,
		TrackingBaseURL: cfg.TrackingBaseURL,
		PaymentBaseURL:  cfg.PaymentBaseURL,
	}, log, service.WithOrderMetrics(orderMetrics))

	router := h.NewRouter(h.RouterConfig{
		JWTSecret:      []byte(cfg.JWTSecret),
		SecureCookie:   cfg.SecureCookie,
		RequestTimeout: cfg.RequestTimeout,
		Instrument:     serverMetrics.Middleware,
		Metrics:        metrics.Handler(reg),
	},
		h.NewCartHandler(carts, sessions, bags, cfg.RequestTimeout, log),
		h.NewCheckoutHandler(carts, orders, sessions, bags, cfg.RequestTimeout, log),
		h.NewOrdersHandler(orders, sessions, bags, cfg.RequestTimeout, log),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(router, serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("checkout service starting", "port", cfg.HTTPPort, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Let in-flight order notifications drain before the writer closes.
	orders.Wait()
	log.Info("server exited")
	return nil
}

func openStore(cfg *config.Config, log *slog.Logger) (repository.Store, error) {
	if cfg.StoreDriver == "memory" {
		mem := store.NewMemoryStore(cfg.LockTimeout)
		store.SeedDemo(mem)
		log.Warn("using in-memory store seeded with demo data")
		return mem, nil
	}

	port, err := strconv.Atoi(cfg.DBPort)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT %q: %w", cfg.DBPort, err)
	}
	cred := &repository.Credentials{
		Host:              cfg.DBHost,
		Port:              port,
		User:              cfg.DBUser,
		Password:          cfg.DBPassword,
		DBName:            cfg.DBName,
		MigrationsDirPath: cfg.MigrationsPath,
	}
	repo, err := repository.NewRepository(cred, repository.WithLockTimeout(cfg.LockTimeout), repository.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repo.RunMigrations(cred); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("connected to postgres", "host", cfg.DBHost, "db", cfg.DBName)
	return repo, nil
}

func openNotifier(cfg *config.Config, log *slog.Logger) (publisher.Notifier, func()) {
	if len(cfg.KafkaBrokers) == 0 {
		log.Warn("KAFKA_BROKERS not set, order notifications go to the log")
		return publisher.NewLogNotifier(log), func() {}
	}

	writer := publisher.NewKafkaWriter(cfg.OrderTopic, cfg.KafkaBrokers...)
	kp := publisher.NewKafkaPublisher(writer)
	log.Info("publishing order events to kafka", "topic", cfg.OrderTopic, "brokers", cfg.KafkaBrokers)
	return publisher.NewBreakerNotifier(kp, circuitbreaker.DefaultConfig("order-notifier"), log), closeWith(log, "kafka writer", kp)
}

func closeWith(log *slog.Logger, name string, c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Warn("close failed", "resource", name, "error", err)
		}
	}
}
