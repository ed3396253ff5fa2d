// Package app is the composition root: it wires configuration, the
// subscription registry, the bus, snapshot sources and the HTTP server with
// a samber/do injector and runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/listsync/internal/config"
	"github.com/nfrund/listsync/internal/database"
	"github.com/nfrund/listsync/internal/pubsub"
	"github.com/nfrund/listsync/internal/server"
	"github.com/nfrund/listsync/internal/source"
	"github.com/nfrund/listsync/internal/subscription"
	"github.com/nfrund/listsync/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

// Version is reported as the tracing service version. Set it at build time
// with -ldflags "-X github.com/nfrund/listsync/internal/app.Version=...".
var Version = "dev"

// App owns the injector and the lifecycle of everything it built.
type App struct {
	cfg      *config.Config
	injector *do.RootScope
	log      *slog.Logger
}

// New registers every service provider. Nothing is constructed until Run
// (or a test) invokes it.
func New(cfg *config.Config) *App {
	i := do.New()
	do.ProvideValue(i, cfg)
	do.Provide(i, provideMetrics)
	do.Provide(i, provideRegistry)
	do.Provide(i, provideTracing)
	do.Provide(i, provideBus)
	do.Provide(i, provideBridge)
	do.Provide(i, provideServer)
	do.Provide(i, provideRedis)
	do.Provide(i, provideDatabase)
	do.Provide(i, provideSources)

	return &App{
		cfg:      cfg,
		injector: i,
		log:      slog.Default().With("component", "app"),
	}
}

// Injector exposes the container, mainly for tests.
func (a *App) Injector() do.Injector {
	return a.injector
}

// Run starts the registry janitor, the snapshot sources and the HTTP server,
// then blocks until ctx is cancelled or the server fails. Everything is shut
// down before Run returns.
func (a *App) Run(ctx context.Context) error {
	srv, err := do.Invoke[*server.Server](a.injector)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	registry := do.MustInvoke[*subscription.Registry](a.injector)
	sources := do.MustInvoke[[]source.Source](a.injector)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		registry.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		source.RunAll(runCtx, a.log, sources...)
	}()

	serveErr := srv.Start(runCtx)
	if serveErr != nil {
		a.log.Error("HTTP server failed", "error", serveErr)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownErr := a.Shutdown(shutdownCtx)
	wg.Wait()

	return errors.Join(serveErr, shutdownErr)
}

// Shutdown stops the server and releases every service the injector built.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if report := a.injector.ShutdownWithContext(ctx); report != nil && !report.Succeed {
		errs = append(errs, fmt.Errorf("shutdown services: %v", report))
	}
	a.log.Info("Shutdown complete")
	return errors.Join(errs...)
}

func provideMetrics(do.Injector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, nil
}

func provideRegistry(i do.Injector) (*subscription.Registry, error) {
	cfg := do.MustInvoke[*config.Config](i)
	metrics := do.MustInvoke[*prometheus.Registry](i)
	return subscription.NewRegistry(
		subscription.WithIdleTTL(cfg.TopicIdleTTL),
		subscription.WithMetrics(subscription.NewMetrics(metrics)),
	), nil
}

// tracing owns the tracer provider so the injector can flush it on shutdown.
type tracing struct {
	tracer   trace.Tracer
	shutdown pubsub.ShutdownFunc
}

func (t *tracing) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}

func provideTracing(i do.Injector) (*tracing, error) {
	cfg := do.MustInvoke[*config.Config](i)
	tracer, shutdown, err := pubsub.SetupOTel(context.Background(), pubsub.TracingConfig{
		Enabled:        cfg.GetTracingEnabled(),
		ServiceName:    cfg.GetTracingServiceName(),
		ServiceVersion: Version,
		ZipkinURL:      cfg.GetTracingZipkinURL(),
		SampleRatio:    cfg.GetTracingSampleRatio(),
	})
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	return &tracing{tracer: tracer, shutdown: shutdown}, nil
}

// bus adapts the watermill bridge to the injector's shutdown hook.
type bus struct {
	*pubsub.WatermillBridge
}

func (b bus) Shutdown() error {
	return b.Close()
}

func provideBus(i do.Injector) (bus, error) {
	t := do.MustInvoke[*tracing](i)
	return bus{pubsub.NewWatermillBridge(pubsub.WithTracer(t.tracer))}, nil
}

func provideBridge(i do.Injector) (*websocket.Bridge, error) {
	cfg := do.MustInvoke[*config.Config](i)
	registry := do.MustInvoke[*subscription.Registry](i)
	return websocket.NewBridge(registry, websocket.WithSendBuffer(cfg.SendBuffer)), nil
}

func provideServer(i do.Injector) (*server.Server, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return server.New(cfg, server.Dependencies{
		Registry:  do.MustInvoke[*subscription.Registry](i),
		Bridge:    do.MustInvoke[*websocket.Bridge](i),
		Publisher: do.MustInvoke[bus](i),
		Metrics:   do.MustInvoke[*prometheus.Registry](i),
	}), nil
}

// redisClient closes the Redis connection pool on shutdown.
type redisClient struct {
	*redis.Client
}

func (r redisClient) Shutdown() error {
	return r.Close()
}

func provideRedis(i do.Injector) (redisClient, error) {
	cfg := do.MustInvoke[*config.Config](i)
	client, err := source.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return redisClient{}, err
	}
	return redisClient{client}, nil
}

// surreal bundles the SurrealDB connection with its live query service.
type surreal struct {
	conn *database.Connection
	live *database.LiveQueryService
}

func (s *surreal) Shutdown(ctx context.Context) error {
	s.live.Close()
	return s.conn.Close(ctx)
}

func provideDatabase(i do.Injector) (*surreal, error) {
	cfg := do.MustInvoke[*config.Config](i)
	conn := database.NewConnection(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DBQueryTimeout)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to surrealdb: %w", err)
	}
	conn.StartMonitoring(0)
	return &surreal{conn: conn, live: database.NewLiveQueryService(conn)}, nil
}

func provideSources(i do.Injector) ([]source.Source, error) {
	cfg := do.MustInvoke[*config.Config](i)
	registry := do.MustInvoke[*subscription.Registry](i)
	log := slog.Default().With("component", "app")

	sources := []source.Source{source.NewBusSource(do.MustInvoke[bus](i), registry)}

	if cfg.SourceDir != "" {
		sources = append(sources, source.NewFileSource(afero.NewOsFs(), cfg.SourceDir, registry))
	}

	if cfg.RedisURL != "" {
		client, err := do.Invoke[redisClient](i)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source.NewRedisSource(client.Client, cfg.RedisChannel, registry))
	}

	if cfg.DBURL != "" && len(cfg.SurrealTables) > 0 {
		db, err := do.Invoke[*surreal](i)
		if err != nil {
			log.Error("SurrealDB source disabled", "error", err)
		} else {
			sources = append(sources, source.NewSurrealSource(
				database.NewTableReader(db.conn), db.live, cfg.SurrealTables, cfg.SurrealPoll, registry))
		}
	}

	return sources, nil
}
