package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.LogLevel, "ride-api")
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rides, err := openRideStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rides.Close()

	var (
		ps  presence.Store = presence.NewMemoryStore()
		rdb *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = presence.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		defer rdb.Close()
		ps = presence.NewRedisStore(rdb, cfg.RedisGeoKey)
		log.Info("presence backend", "backend", "redis", "addr", cfg.RedisAddr)
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	var publisher notify.Publisher
	if cfg.AMQPURL != "" {
		p, err := bus.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		defer p.Close()
		publisher = p
	}

	var locations ride.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		locations = kp
	}

	registry := realtime.NewRegistry()
	defer registry.Close()

	engine := dispatch.New(registry, ps, matcher.New(estimator), log)
	fanout := notify.New(registry, publisher, log)

	opts := []ride.Option{
		ride.WithETA(estimator),
		ride.WithLogger(log),
		ride.WithPolicy(ride.Policy{
			CancelFeePercent:  cfg.CancelFeePercent,
			CancelFeeCap:      cfg.CancelFeeCapPaise,
			CommissionPercent: cfg.CommissionPercent,
			OTPDigits:         cfg.OTPDigits,
		}),
	}
	if cfg.StripeAPIKey != "" {
		opts = append(opts, ride.WithPayments(payments.NewStripeClient(cfg.StripeAPIKey, cfg.StripeCurrency)))
	}
	svc := ride.NewService(rides, engine, fanout, ps, opts...)
	commands := ride.NewCommands(svc, registry, ps, fanout, locations, log)

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.TokenTTL)
	ws := realtime.NewHandler(registry, verifier, ps, commands, log)
	ws.ErrorCode = ride.ErrorCode

	api := httpapi.NewServer(httpapi.Deps{
		Rides:          svc,
		Commands:       commands,
		Presence:       ps,
		Verifier:       verifier,
		Realtime:       ws,
		Logger:         log,
		NearbyRadiusKm: cfg.NearbyRadiusKm,
		Ready: func(ctx context.Context) error {
			if rdb != nil {
				return rdb.Ping(ctx).Err()
			}
			return nil
		},
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "store", cfg.RideStore)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	ws.Shutdown(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

func openRideStore(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) (storage.RideStore, error) {
	switch cfg.RideStore {
	case config.StorePostgres:
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.RunMigrations {
			if err := migrate(ctx, pg); err != nil {
				pg.Close()
				return nil, err
			}
			log.Info("migration applied", "file", "001_create_rides.sql")
		}
		return pg, nil
	case config.StoreMongo:
		m, err := storage.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		return m, nil
	}
	log.Warn("using in-memory ride store; rides are lost on restart")
	return storage.NewMemoryStore(), nil
}

func migrate(ctx context.Context, pg *storage.PostgresStore) error {
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if err := pg.Exec(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}
