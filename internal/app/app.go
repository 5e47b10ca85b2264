// Package app initializes and holds the long-lived services of a harvest
// process, acting as its dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcsstorage "cloud.google.com/go/storage"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmap-harvester/internal/api"
	"github.com/JakeFAU/webmap-harvester/internal/arcgis"
	"github.com/JakeFAU/webmap-harvester/internal/clock/system"
	"github.com/JakeFAU/webmap-harvester/internal/config"
	"github.com/JakeFAU/webmap-harvester/internal/harvest"
	"github.com/JakeFAU/webmap-harvester/internal/hash/sha256"
	"github.com/JakeFAU/webmap-harvester/internal/httpclient"
	"github.com/JakeFAU/webmap-harvester/internal/id/uuid"
	"github.com/JakeFAU/webmap-harvester/internal/pipeline"
	"github.com/JakeFAU/webmap-harvester/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/webmap-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/webmap-harvester/internal/storage/gcs"
	"github.com/JakeFAU/webmap-harvester/internal/storage/local"
	"github.com/JakeFAU/webmap-harvester/internal/storage/memory"
	"github.com/JakeFAU/webmap-harvester/internal/storage/postgres"
)

// App holds the services shared by a harvest run.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	runs   *memory.RunStore
	blobs  harvest.BlobStore
	runner *pipeline.Runner
	checks map[string]api.ReadinessCheck
	server *http.Server

	closers []func()
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	httpClient *http.Client
	blobs      harvest.BlobStore
}

// WithHTTPClient overrides the *http.Client used against map services.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithBlobStore overrides the output backend selected by configuration.
func WithBlobStore(blobs harvest.BlobStore) Option {
	return func(o *options) { o.blobs = blobs }
}

// New builds every service described by cfg. It fails fast when a
// configured backend cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		runs:   memory.NewRunStore(),
		checks: map[string]api.ReadinessCheck{},
	}

	clientCfg := httpclient.Config{
		UserAgent:      cfg.HTTP.UserAgent,
		MaxAttempts:    cfg.HTTP.MaxAttempts,
		BackoffInitial: cfg.HTTP.BackoffInitial(),
		BackoffMax:     cfg.HTTP.BackoffMax(),
	}
	client := httpclient.NewWithHTTPClient(o.httpClient, clientCfg, logger.Named("http"))

	resolver, err := arcgis.NewResolver(client, arcgis.ResolverConfig{
		Timeout:   cfg.HTTP.MetadataTimeout(),
		CacheSize: cfg.Fetch.MetadataCacheSize,
	}, logger.Named("resolver"))
	if err != nil {
		return nil, fmt.Errorf("init resolver: %w", err)
	}
	fetcher := arcgis.NewFeatureFetcher(client, arcgis.FetchConfig{
		Timeout:        cfg.HTTP.QueryTimeout(),
		MaxRecordCount: cfg.Fetch.MaxRecordCount,
		Paginate:       cfg.Fetch.Paginate,
		MaxPages:       cfg.Fetch.MaxPages,
	}, logger.Named("features"))

	a.blobs = o.blobs
	if a.blobs == nil {
		if a.blobs, err = a.newBlobStore(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	deps := pipeline.Deps{
		Discoverer: arcgis.NewDiscoverer(client, cfg.ArcGIS.BaseURL, cfg.HTTP.MetadataTimeout(), logger.Named("webmap")),
		Downloader: arcgis.NewDownloader(resolver, fetcher, cfg.Fetch.SublayerConcurrency, logger.Named("downloader")),
		Runs:       a.runs,
		Blobs:      a.blobs,
		Pacer:      ratelimit.NewPacer(cfg.Pipeline.LayerDelay()),
		Hasher:     sha256.New(),
		Clock:      system.New(),
		IDs:        uuid.New(),
	}

	if cfg.DB.DSN != "" {
		store, err := a.newLayerStore(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		deps.Records = store
	}

	if cfg.PubSub.TopicName != "" {
		psClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init pubsub: %w", err)
		}
		publisher := pubsubpublisher.New(psClient)
		a.closers = append(a.closers, func() {
			publisher.Stop()
			if err := psClient.Close(); err != nil {
				logger.Warn("pubsub close failed", zap.Error(err))
			}
		})
		deps.Publisher = publisher
		logger.Info("publishing layer records", zap.String("topic", cfg.PubSub.TopicName))
	}

	a.runner, err = pipeline.New(deps, pipeline.Config{
		Topic:               cfg.PubSub.TopicName,
		NormalizeProperties: cfg.Output.NormalizeProperties,
	}, logger.Named("pipeline"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("backend", cfg.Output.Backend),
		zap.Bool("ledger", deps.Records != nil),
		zap.Bool("pubsub", deps.Publisher != nil),
	)
	return a, nil
}

func (a *App) newBlobStore(ctx context.Context) (harvest.BlobStore, error) {
	switch a.cfg.Output.Backend {
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Output.Dir})
		if err != nil {
			return nil, fmt.Errorf("init local output: %w", err)
		}
		return store, nil
	case config.BackendGCS:
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("gcs close failed", zap.Error(err))
			}
		})
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Output.GCSBucket, Prefix: a.cfg.Output.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs output: %w", err)
		}
		return store, nil
	case config.BackendMemory:
		return memory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown output backend: %s", a.cfg.Output.Backend)
	}
}

func (a *App) newLayerStore(ctx context.Context) (*postgres.LayerStore, error) {
	store, err := postgres.NewLayerStore(ctx, postgres.LayerStoreConfig{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: int32(a.cfg.DB.MaxConns),
	})
	if err != nil {
		return nil, fmt.Errorf("init layer ledger: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("init layer ledger: %w", err)
	}
	a.checks["postgres"] = store.Ping
	return store, nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Runs exposes the run ledger.
func (a *App) Runs() harvest.RunStore {
	return a.runs
}

// Blobs exposes the output backend.
func (a *App) Blobs() harvest.BlobStore {
	return a.blobs
}

// Run harvests one webmap.
func (a *App) Run(ctx context.Context, webmapID string) (harvest.RunResult, error) {
	return a.runner.Run(ctx, webmapID)
}

// StartServer launches the ops server when server.port is set.
func (a *App) StartServer() {
	if a.cfg.Server.Port == 0 || a.server != nil {
		return
	}
	srv := api.NewServer(a.runs, a.checks, a.logger.Named("api"))
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func(s *http.Server) {
		a.logger.Info("ops server started", zap.Int("port", a.cfg.Server.Port))
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("ops server error", zap.Error(err))
		}
	}(a.server)
}

// Close shuts down the ops server and releases clients in reverse order.
func (a *App) Close() {
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("ops server shutdown error", zap.Error(err))
		}
		cancel()
		a.server = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
