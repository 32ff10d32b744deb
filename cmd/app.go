package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	// Interne
	"github.com/jupiterclapton/cenackle/services/neighbor-service/config"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/adapters/secondary/bsky"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/adapters/secondary/cache"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/adapters/secondary/eventbroker"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/adapters/secondary/lock"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/adapters/secondary/progress"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/ports"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/services"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/pkg/retry"
)

// app regroupe les adapters câblés pour un run, et de quoi les fermer.
type app struct {
	service *services.NeighborService
	client  *bsky.Client
	closers []func()
}

func (a *app) Close() {
	// Ordre inverse de l'ouverture
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. Télémétrie (Tracing) : optionnelle
	if cfg.OtelEndpoint != "" {
		tp, err := initTracer(ctx, cfg)
		if err != nil {
			slog.Error("Failed to init tracer", "error", err)
		} else {
			a.closers = append(a.closers, func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					slog.Error("Error shutting down tracer", "error", err)
				}
			})
		}
	}

	// 2. Métriques Prometheus : optionnelles
	if cfg.MetricsAddr != "" {
		a.closers = append(a.closers, startMetricsServer(cfg.MetricsAddr))
	}

	// 3. Infrastructure : client XRPC (Driven Adapter)
	client, err := bsky.NewClient(bsky.Config{
		BaseURL:           cfg.PDSURL,
		Handle:            cfg.Handle,
		Password:          cfg.Password,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.RequestBurst,
	})
	if err != nil {
		return nil, err
	}
	// Fail fast : mauvais identifiants => on s'arrête avant tout parcours
	if err := client.Login(ctx); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	a.client = client

	// 4. Infrastructure : verrou Redis (optionnel)
	var runLock ports.RunLock
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		// Instrumentation Redis
		if err := redisotel.InstrumentTracing(rdb); err != nil {
			return nil, fmt.Errorf("redis tracing: %w", err)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("unable to connect to redis: %w", err)
		}
		slog.Info("✅ Connected to Redis")
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		runLock = lock.NewRedisLock(rdb, lock.DefaultTTL)
	}

	// 5. Infrastructure : Event Broker NATS (optionnel)
	var publisher ports.EventPublisher
	if cfg.NatsUrl != "" {
		nc, err := nats.Connect(cfg.NatsUrl, nats.Name(cfg.ServiceName))
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		slog.Info("✅ Connected to NATS")
		a.closers = append(a.closers, func() { _ = nc.Drain() })
		publisher = eventbroker.NewNatsPublisher(nc)
	}

	// 6. Wiring (Injection de dépendances) - Adapters -> Services
	ex := retry.NewExecutor(domain.IsRetryable)
	ex.MaxAttempts = cfg.RetryMaxAttempts
	ex.Base = cfg.RetryBaseDelay
	ex.CallTimeout = cfg.CallTimeout

	followingCache := cache.NewFollowingCache(cache.GraphLoader(client, ex))
	reporter := progress.NewSlogReporter(client)

	engine := services.NewDiscoveryEngine(client, followingCache, ex, reporter, services.DiscoveryPolicy{
		MaxCandidates:      cfg.MaxCandidates,
		StalenessThreshold: cfg.StalenessThreshold,
		FanOutGuard:        cfg.FanOutGuard,
		SecondDegreeCap:    cfg.SecondDegreeCap,
		ThirdDegreeCap:     cfg.ThirdDegreeCap,
		Admission:          services.AdmissionPolicy(cfg.AdmissionPolicy),
		Workers:            cfg.DiscoveryWorkers,
	})
	reconciler := services.NewListReconciler(client, ex, reporter)
	a.service = services.NewNeighborService(engine, reconciler, runLock, publisher)

	a.closers = append(a.closers, func() {
		stats := followingCache.Stats()
		visited, skipped := reporter.Counts()
		slog.Info("👋 Run stats",
			"cache_hits", stats.Hits,
			"cache_misses", stats.Misses,
			"followers_visited", visited,
			"followers_skipped", skipped,
		)
	})
	return a, nil
}

// --- HELPERS ---

func initLogger(cfg *config.Config) {
	var handler slog.Handler
	if cfg.Env == "local" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	slog.SetDefault(slog.New(handler))
}

func initTracer(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, error) {
	// Création de l'exporteur OTLP (gRPC)
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OtelEndpoint),
		otlptracegrpc.WithInsecure(), // En prod, gérez le TLS
	)
	if err != nil {
		return nil, err
	}

	// Ressource (Nom du service, version...)
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String("1.0.0"),
			semconv.DeploymentEnvironmentKey.String(cfg.Env),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

// startMetricsServer expose /metrics et renvoie la fonction d'arrêt.
func startMetricsServer(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("📈 Metrics server listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
