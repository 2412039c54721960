package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/attribution-cli/internal/attribution"
	"github.com/sells-group/attribution-cli/internal/resilience"
	"github.com/sells-group/attribution-cli/internal/runlog"
	"github.com/sells-group/attribution-cli/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "attribution.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openJobStore validates config for mode, opens the store and applies
// pending migrations. The caller closes the store.
func openJobStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func retryConfig() resilience.RetryConfig {
	return resilience.FromRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs)
}

// newEngine wires an attribution engine to st from the loaded config.
func newEngine(st attribution.Store, runs *runlog.Log) (*attribution.Engine, error) {
	channels, err := attribution.LoadChannelMap(cfg.Attribution.ChannelMapPath)
	if err != nil {
		return nil, err
	}
	return attribution.NewEngine(st, runs, attribution.Options{
		LookbackDays:     cfg.Attribution.LookbackDays,
		BatchSize:        cfg.Attribution.BatchSize,
		MatchConcurrency: cfg.Attribution.MatchConcurrency,
		WritesPerSecond:  cfg.Attribution.WritesPerSecond,
		Retry:            retryConfig(),
		Breaker:          resilience.FromBreakerConfig(cfg.Retry.BreakerThreshold, cfg.Retry.BreakerResetTimeoutSecs),
		Channels:         channels,
	}), nil
}
