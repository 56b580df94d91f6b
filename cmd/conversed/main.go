// Command conversed runs the conversation streaming server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/converselabs/converse/cachestore"
	"github.com/converselabs/converse/config"
	"github.com/converselabs/converse/durable"
	"github.com/converselabs/converse/generation"
	"github.com/converselabs/converse/history"
	"github.com/converselabs/converse/logger"
	"github.com/converselabs/converse/server"
	"github.com/converselabs/converse/session"
	"github.com/converselabs/converse/stream"
	"github.com/converselabs/converse/telemetry"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "conversed.yaml", "path to the server manifest")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	logger.SetVerbose(*verbose)

	if err := run(*configPath); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Endpoint != "" {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry.Endpoint, "conversed")
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		telemetry.SetupPropagation()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer provider shutdown failed", "error", err)
			}
		}()
	}

	cache, err := newCacheStore(ctx, cfg)
	if err != nil {
		return err
	}

	store, closeStore, err := newDurableStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}
	defer provider.Close()

	coord := history.NewCoordinator(cache, store,
		history.WithSystemPrompt(cfg.History.SystemPrompt),
		history.WithMaxHistory(cfg.History.MaxHistory),
	)
	binder := session.NewBinder(coord, store)
	orch := stream.New(provider, coord,
		stream.WithGenerationParams(cfg.Provider.MaxTokens, cfg.Provider.Temperature),
		stream.WithSystemPrompt(cfg.History.SystemPrompt),
	)
	query := history.NewQuery(store,
		history.WithListLimit(cfg.History.ListLimit),
		history.WithPreviewLength(cfg.History.PreviewLength),
	)

	api := &http.Server{
		Addr:    cfg.Listen,
		Handler: otelhttp.NewHandler(server.New(binder, coord, orch, query), "converse.api"),
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    cfg.MetricsListen,
		Handler: metricsMux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.Listen)
		if err := api.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("metrics listening", "addr", cfg.MetricsListen)
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown failed", "error", err)
		}
		return metricsSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newCacheStore(ctx context.Context, cfg *config.Config) (cachestore.Store, error) {
	if cfg.Redis.Addr == "" {
		logger.Info("cache store: in-memory")
		return cachestore.NewMemory(), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	cache, err := cachestore.NewRedisStore(client,
		cachestore.WithTTL(cfg.Redis.TTL),
		cachestore.WithPrefix(cfg.Redis.Prefix),
		cachestore.WithSchemaVersion(cfg.SchemaVersion),
	)
	if err != nil {
		return nil, err
	}

	purged, err := cache.PurgeStaleVersions(ctx)
	if err != nil {
		logger.Warn("stale version purge failed", "error", err)
	} else if purged > 0 {
		logger.Info("purged stale cache entries", "count", purged, "schema_version", cfg.SchemaVersion)
	}

	logger.Info("cache store: redis", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.TTL)
	return cache, nil
}

func newDurableStore(ctx context.Context, cfg *config.Config) (durable.Store, func(), error) {
	if cfg.Mongo.URI == "" {
		logger.Info("durable store: in-memory")
		return durable.NewMemoryStore(), func() {}, nil
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	closeStore := func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := client.Disconnect(disconnectCtx); err != nil {
			logger.Warn("mongodb disconnect failed", "error", err)
		}
	}

	store := durable.NewMongoStore(client.Database(cfg.Mongo.Database))
	if err := store.EnsureIndexes(ctx); err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("failed to ensure indexes: %w", err)
	}

	logger.Info("durable store: mongodb", "database", cfg.Mongo.Database)
	return store, closeStore, nil
}

func newProvider(ctx context.Context, cfg *config.Config) (generation.Provider, error) {
	switch cfg.Provider.Kind {
	case config.ProviderBedrock:
		opts := []generation.BedrockOption{
			generation.WithBedrockRegion(cfg.Provider.Region),
			generation.WithBedrockRateLimit(cfg.Provider.RPS),
		}
		if cfg.Provider.RoleARN != "" {
			opts = append(opts, generation.WithAssumeRole(cfg.Provider.RoleARN))
		}
		logger.Info("provider: bedrock", "model", cfg.Provider.Model, "region", cfg.Provider.Region)
		return generation.NewBedrockProvider(ctx, "bedrock", cfg.Provider.Model, opts...)

	default:
		opts := []generation.OpenAIOption{
			generation.WithRateLimit(cfg.Provider.RPS),
		}
		if cfg.Provider.APIKeyEnv != "" {
			opts = append(opts, generation.WithAPIKeyEnv(cfg.Provider.APIKeyEnv))
		}
		logger.Info("provider: openai", "model", cfg.Provider.Model, "baseURL", cfg.Provider.BaseURL)
		return generation.NewOpenAIProvider("openai", cfg.Provider.Model, cfg.Provider.BaseURL, opts...), nil
	}
}
