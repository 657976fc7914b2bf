package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/promptrefine/metering/internal/config"
	"github.com/promptrefine/metering/internal/identity"
	"github.com/promptrefine/metering/internal/ledger"
	"github.com/promptrefine/metering/internal/limits"
	"github.com/promptrefine/metering/internal/meter"
	"github.com/promptrefine/metering/internal/observability"
	"github.com/promptrefine/metering/internal/optimizer"
	"github.com/promptrefine/metering/internal/pricing"
	"github.com/promptrefine/metering/internal/store"
	"github.com/promptrefine/metering/internal/tier"
	"github.com/promptrefine/metering/internal/usagelog"
)

// Container aggregates runtime dependencies for handlers and services.
type Container struct {
	Config        *config.Config
	DBPool        *pgxpool.Pool
	Redis         *redis.Client
	Accounts      store.AccountStore
	Policies      *tier.Table
	Resolver      *identity.Resolver
	Limiter       *limits.QuotaLimiter
	Ledger        *ledger.Ledger
	Estimator     *pricing.Estimator
	Recorder      *usagelog.Recorder
	Engine        optimizer.Engine
	Meter         *meter.Service
	Observability *observability.Provider
}

// NewContainer builds a dependency container from the provided primitives.
func NewContainer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, redisClient *redis.Client) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("db pool is required")
	}
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	policies, err := tier.NewTable(tierOverrides(cfg.Tiers))
	if err != nil {
		return nil, fmt.Errorf("build tier policy table: %w", err)
	}

	estimator, err := pricing.NewEstimator(pricingEntries(cfg.Pricing), cfg.Pricing.DefaultModel)
	if err != nil {
		return nil, fmt.Errorf("build cost estimator: %w", err)
	}

	obsProvider, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}

	engine, err := optimizer.NewOpenAIEngine(optimizer.Options{
		APIKey:       cfg.Engine.OpenAIKey,
		BaseURL:      cfg.Engine.BaseURL,
		DefaultModel: cfg.Engine.DefaultModel,
		Timeout:      cfg.Engine.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init optimization engine: %w", err)
	}

	accounts := store.NewPostgres(pool)
	resolver := identity.NewResolver(accounts, slog.Default())
	limiter := limits.NewQuotaLimiter(redisClient, policies)
	creditLedger := ledger.New(accounts, policies)
	recorder := usagelog.NewRecorder(accounts, usagelog.NewLogFailureSink(slog.Default()), obsProvider)

	meterSvc := meter.New(meter.Deps{
		Resolver:  resolver,
		Accounts:  accounts,
		Policies:  policies,
		Limiter:   limiter,
		Ledger:    creditLedger,
		Engine:    engine,
		Estimator: estimator,
		Recorder:  recorder,
		Metrics:   obsProvider,
		Logger:    slog.Default(),
	})

	return &Container{
		Config:        cfg,
		DBPool:        pool,
		Redis:         redisClient,
		Accounts:      accounts,
		Policies:      policies,
		Resolver:      resolver,
		Limiter:       limiter,
		Ledger:        creditLedger,
		Estimator:     estimator,
		Recorder:      recorder,
		Engine:        engine,
		Meter:         meterSvc,
		Observability: obsProvider,
	}, nil
}

// Close releases pooled resources. Safe to call on a partially built container.
func (c *Container) Close(ctx context.Context) {
	if c == nil {
		return
	}
	if c.Observability != nil {
		if err := c.Observability.Shutdown(ctx); err != nil {
			slog.Warn("observability shutdown", "error", err)
		}
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DBPool != nil {
		c.DBPool.Close()
	}
}

func tierOverrides(entries []config.TierOverride) []tier.Override {
	if len(entries) == 0 {
		return nil
	}
	overrides := make([]tier.Override, 0, len(entries))
	for _, e := range entries {
		overrides = append(overrides, tier.Override{
			Tier:      e.Name,
			Quota:     int(e.Quota),
			Window:    e.Window,
			Unmetered: e.Unmetered,
		})
	}
	return overrides
}

func pricingEntries(cfg config.PricingConfig) []pricing.Entry {
	if len(cfg.Models) == 0 {
		return nil
	}
	entries := make([]pricing.Entry, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		entries = append(entries, pricing.Entry{
			Model:            m.Model,
			InputPerMillion:  m.InputPerMillion,
			OutputPerMillion: m.OutputPerMillion,
		})
	}
	return entries
}
