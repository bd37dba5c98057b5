package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/evmts/smithers-go/api"
	"github.com/evmts/smithers-go/backend"
	"github.com/evmts/smithers-go/config"
	"github.com/evmts/smithers-go/engine"
	"github.com/evmts/smithers-go/internal/database"
	"github.com/evmts/smithers-go/internal/metrics"
	"github.com/evmts/smithers-go/middleware"
	"github.com/evmts/smithers-go/store"
	"github.com/evmts/smithers-go/types"
)

const healthTimeout = 5 * time.Second

// backingStore is what every command needs from persistence: the engine
// write surface plus the operator read surface. Both the relational and
// the Mongo store satisfy it.
type backingStore interface {
	engine.Store
	api.Reader
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ backingStore = (*store.Store)(nil)
	_ backingStore = (*store.MongoStore)(nil)
)

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backingStore, error) {
	if cfg.Database.Driver == "mongodb" {
		name := cfg.Database.Name
		if name == "" {
			name = "smithers"
		}
		return store.OpenMongo(ctx, cfg.Database.DSN(), name, logger)
	}
	return store.Open(cfg.Database.DSN(), store.Options{
		Logger: logger,
		Pool: database.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		},
	})
}

func buildBackends(cfg config.BackendConfig) (*backend.Registry, error) {
	reg := backend.NewRegistry()

	if cfg.Mock.Enabled {
		mock := backend.NewMock()
		script := backend.Script{Delay: cfg.Mock.Delay}
		if cfg.Mock.Output != "" {
			script.Result = &types.Result{OutputText: cfg.Mock.Output}
		}
		if script.Result != nil || script.Delay > 0 {
			mock.Script(script)
		}
		reg.Register(mock)
	}

	name := cfg.Default
	if name == "" && cfg.Mock.Enabled {
		name = "mock"
	}
	if name != "" {
		if err := reg.SetDefault(name); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// buildMiddleware assembles the dispatch pipeline from configuration,
// outermost first. The returned cleanup releases the Redis client when
// the shared cache tier is in play.
func buildMiddleware(cfg *config.Config, logger *zap.Logger) ([]middleware.Middleware, func(), error) {
	var mws []middleware.Middleware
	cleanup := func() {}
	mc := cfg.Middleware

	if mc.Logging {
		mws = append(mws, middleware.Logging(logger))
	}
	if mc.Retry.Enabled {
		mws = append(mws, middleware.Retry(middleware.RetryConfig{
			MaxAttempts: mc.Retry.MaxAttempts,
			Base:        mc.Retry.Base,
			Kind:        middleware.Backoff(mc.Retry.Backoff),
			Logger:      logger,
		}))
	}
	if mc.RateLimit.Enabled {
		rl, err := middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerMinute: mc.RateLimit.RequestsPerMinute,
			TokensPerMinute:   mc.RateLimit.TokensPerMinute,
			Logger:            logger,
		})
		if err != nil {
			return nil, nil, err
		}
		mws = append(mws, rl)
	}
	if mc.Cache.Enabled {
		cacheCfg := middleware.CacheConfig{
			Capacity: mc.Cache.Capacity,
			TTL:      mc.Cache.TTL,
			Logger:   logger,
		}
		if cfg.Redis.Enabled {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			cleanup = func() { client.Close() }
			cacheCfg.Store = middleware.NewTieredCache(
				middleware.NewLRUCache(mc.Cache.Capacity),
				middleware.NewRedisCache(client, logger),
				logger,
			)
		}
		mws = append(mws, middleware.Cache(cacheCfg))
	}
	if mc.Timeout.Enabled {
		mws = append(mws, middleware.Timeout(middleware.TimeoutConfig{
			Base:    mc.Timeout.Base,
			PerChar: mc.Timeout.PerChar,
		}))
	}
	return mws, cleanup, nil
}

func newEngine(cfg *config.Config, st backingStore, reg *backend.Registry, mws []middleware.Middleware, events engine.Sink, collector *metrics.Collector, logger *zap.Logger) (*engine.Engine, error) {
	return engine.New(engine.Options{
		Store:        st,
		Backends:     reg,
		Middleware:   mws,
		Events:       events,
		Metrics:      collector,
		Logger:       logger,
		MaxFrames:    cfg.Engine.MaxFrames,
		MaxDuration:  cfg.Engine.MaxDuration,
		MaxTokens:    cfg.Engine.MaxTokens,
		WorkingDir:   cfg.Engine.WorkingDir,
		DefaultModel: cfg.Engine.DefaultModel,
	})
}
