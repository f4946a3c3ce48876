package durable

import (
	"context"
	"fmt"
	"io"

	"github.com/durastore/durastore/internal/buffer"
	"github.com/durastore/durastore/internal/cache"
	"github.com/durastore/durastore/internal/circuit"
	"github.com/durastore/durastore/internal/config"
	"github.com/durastore/durastore/internal/entity"
	"github.com/durastore/durastore/internal/outbox"
	"github.com/durastore/durastore/internal/storage/filekv"
	"github.com/durastore/durastore/internal/storage/memkv"
	"github.com/durastore/durastore/internal/storage/rediskv"
	"github.com/durastore/durastore/internal/storage/s3kv"
	"github.com/durastore/durastore/internal/storage/sqlitekv"
	"github.com/durastore/durastore/pkg/retry"
	"github.com/durastore/durastore/pkg/types"
	"github.com/durastore/durastore/pkg/utils"
)

// openStorage opens the medium named by cfg.Backend. The closer is nil for
// media that hold no resources.
func openStorage(ctx context.Context, cfg config.StorageConfig, logger *utils.StructuredLogger) (types.KVStore, io.Closer, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return memkv.New(), nil, nil
	case config.BackendFile:
		s, err := filekv.Open(cfg.Path)
		return s, nil, err
	case config.BackendSQLite:
		s, err := sqlitekv.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.BackendS3:
		s3cfg := cfg.S3
		s, err := s3kv.Open(ctx, &s3cfg, logger)
		return s, nil, err
	case config.BackendRedis:
		s, err := rediskv.Open(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

func cacheConfig(cfg *config.Configuration) (cache.Config, error) {
	budget, err := cfg.MemoryBudgetBytes()
	if err != nil {
		return cache.Config{}, fmt.Errorf("cache memory budget: %w", err)
	}
	threshold, err := cfg.CompressionThresholdBytes()
	if err != nil {
		return cache.Config{}, fmt.Errorf("compression threshold: %w", err)
	}

	c := cfg.Cache
	return cache.Config{
		Pool: buffer.PoolConfig{
			Available:     budget,
			ReservedRatio: c.ReservedRatio,
			GCTrigger:     c.GCTrigger,
		},
		Compression: cache.CompressorConfig{
			Enabled:    c.Compression.Enabled,
			Algorithm:  c.Compression.Algorithm,
			Threshold:  int(threshold),
			MinSavings: c.Compression.MinSavings,
			Level:      c.Compression.Level,
		},
		DefaultTTL:        c.DefaultTTL,
		EnableDisk:        c.EnableDisk,
		GCInterval:        c.GCInterval,
		PressureInterval:  c.PressureInterval,
		PressureThreshold: c.PressureThreshold,
	}, nil
}

func optimisticConfig(cfg *config.Configuration) entity.OptimisticConfig {
	return entity.OptimisticConfig{
		MaxPending:    cfg.Entity.MaxPending,
		MaxAge:        cfg.Entity.UpdateMaxAge,
		PruneInterval: cfg.Entity.PruneInterval,
	}
}

func conflictConfig(cfg *config.Configuration) entity.ConflictConfig {
	return entity.ConflictConfig{
		AutoResolveMargin: cfg.Entity.AutoResolveMargin,
		ConflictTimeout:   cfg.Entity.ConflictTimeout,
		SweepInterval:     cfg.Entity.SweepInterval,
	}
}

func backupConfig(cfg *config.Configuration) entity.BackupConfig {
	return entity.BackupConfig{
		MaxBackups: cfg.Backup.MaxBackups,
		Persist:    cfg.Backup.Persist,
		Interval:   cfg.Backup.Interval,
	}
}

func outboxConfig(cfg *config.Configuration, clock types.Clock) outbox.Config {
	o := cfg.Outbox

	r := retry.DefaultConfig()
	if o.Retry.MaxAttempts > 0 {
		r.MaxAttempts = o.Retry.MaxAttempts
	}
	if o.Retry.BaseDelay > 0 {
		r.InitialDelay = o.Retry.BaseDelay
	}
	if o.Retry.MaxDelay > 0 {
		r.MaxDelay = o.Retry.MaxDelay
	}

	b := circuit.DefaultConfig()
	if o.CircuitBreaker.FailureThreshold > 0 {
		b.FailureThreshold = uint32(o.CircuitBreaker.FailureThreshold)
	}
	if o.CircuitBreaker.Timeout > 0 {
		b.Timeout = o.CircuitBreaker.Timeout
	}
	b.Clock = clock

	return outbox.Config{
		Capacity:      o.Capacity,
		BatchSize:     o.BatchSize,
		FlushInterval: o.FlushInterval,
		Workers:       o.Workers,
		RatePerSecond: o.RatePerSecond,
		Burst:         o.Burst,
		Retry:         r,
		Breaker:       b,
	}
}
