package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
	hclogadapter "github.com/mihaimyh/quotagate/pkg/quotagate/logger/hclog"
	zerologadapter "github.com/mihaimyh/quotagate/pkg/quotagate/logger/zerolog"
	prommetrics "github.com/mihaimyh/quotagate/pkg/quotagate/metrics/prometheus"
	"github.com/mihaimyh/quotagate/storage/firestore"
	"github.com/mihaimyh/quotagate/storage/memory"
	"github.com/mihaimyh/quotagate/storage/postgres"
	"github.com/mihaimyh/quotagate/storage/redis"
	"github.com/mihaimyh/quotagate/storage/tiered"
	"github.com/mihaimyh/quotagate/storage/yamlcatalog"
)

// app holds the engine and the backends it was built from.
type app struct {
	engine   *quotagate.Engine
	logger   quotagate.Logger
	registry *prometheus.Registry
	out      io.Writer

	redis    *redis.Cache
	postgres *postgres.Store
	mirror   *tiered.Store
	closers  []func()
}

func newApp(ctx context.Context, g Globals, stdout, stderr io.Writer) (a *app, err error) {
	a = &app{
		logger:   newLogger(g, stderr),
		registry: prometheus.NewRegistry(),
		out:      stdout,
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewMetrics(a.registry, "quotagate")

	backends, err := a.connect(ctx, g)
	if err != nil {
		return nil, err
	}

	cfg := quotagate.DefaultConfig()
	cfg.KeyPrefix = g.KeyPrefix
	cfg.DecisionTimeout = g.Timeout
	cfg.Metrics = metrics
	cfg.Logger = a.logger
	cfg.CircuitBreakerConfig = &quotagate.CircuitBreakerConfig{Enabled: a.postgres != nil}

	engine, err := quotagate.NewEngine(backends, cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine
	a.closers = append(a.closers, engine.Close)
	metrics.RegisterDropped(engine.DroppedMetrics)
	return a, nil
}

// connect builds the cache, ledger store, catalog and directory from flags.
// Anything not configured falls back to an in-process implementation.
func (a *app) connect(ctx context.Context, g Globals) (quotagate.Backends, error) {
	var b quotagate.Backends

	if g.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: g.RedisAddr, DB: g.RedisDB})
		cache, err := redis.New(client, redis.DefaultConfig())
		if err != nil {
			return b, err
		}
		if err := cache.Ping(ctx); err != nil {
			_ = cache.Close()
			return b, fmt.Errorf("redis %s: %w", g.RedisAddr, err)
		}
		a.redis = cache
		a.closers = append(a.closers, func() { _ = cache.Close() })
		b.Cache = cache
	} else {
		b.Cache = memory.NewCache(nil)
	}

	local := memory.New()
	b.Store, b.Plans, b.Users = local, local, local

	if g.PostgresDSN != "" {
		cfg := postgres.DefaultConfig()
		cfg.ConnectionString = g.PostgresDSN
		cfg.Logger = a.logger
		store, err := postgres.New(ctx, cfg)
		if err != nil {
			return b, err
		}
		a.postgres = store
		a.closers = append(a.closers, store.Close)
		b.Store, b.Plans, b.Users = store, store, store
	}

	if g.FirestoreProject != "" {
		client, err := gcfirestore.NewClient(ctx, g.FirestoreProject)
		if err != nil {
			return b, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		replica, err := firestore.New(client, firestore.Config{})
		if err != nil {
			return b, err
		}
		mirror, err := tiered.New(tiered.Config{
			Primary:                b.Store,
			Replica:                replica,
			ReadFromReplicaOnError: true,
			AsyncErrorHandler: func(err error) {
				a.logger.Warn("ledger mirror write failed", quotagate.ErrField(err))
			},
		})
		if err != nil {
			return b, err
		}
		a.mirror = mirror
		a.closers = append(a.closers, func() { _ = mirror.Close() })
		b.Store = mirror
	}

	if g.Catalog != "" {
		catalog, err := yamlcatalog.Load(g.Catalog)
		if err != nil {
			return b, err
		}
		b.Plans, b.Users = catalog, catalog
	}
	return b, nil
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ping checks every remote backend
func (a *app) ping(ctx context.Context) error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.postgres != nil {
		if err := a.postgres.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *app) print(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLogger(g Globals, w io.Writer) quotagate.Logger {
	if g.LogFormat == "text" {
		return hclogadapter.NewLogger(hclog.New(&hclog.LoggerOptions{
			Name:   "quotactl",
			Output: w,
			Level:  hclog.LevelFromString(g.LogLevel),
		}))
	}

	level, err := zerolog.ParseLevel(g.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zlog := zerolog.New(w).Level(level).With().Timestamp().Str("app", "quotactl").Logger()
	return zerologadapter.NewLogger(&zlog)
}
