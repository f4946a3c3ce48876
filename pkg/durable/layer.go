package durable

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/durastore/durastore/internal/cache"
	"github.com/durastore/durastore/internal/config"
	"github.com/durastore/durastore/internal/entity"
	"github.com/durastore/durastore/internal/events"
	"github.com/durastore/durastore/internal/metrics"
	"github.com/durastore/durastore/internal/outbox"
	"github.com/durastore/durastore/internal/scheduler"
	"github.com/durastore/durastore/pkg/api"
	"github.com/durastore/durastore/pkg/errors"
	"github.com/durastore/durastore/pkg/health"
	"github.com/durastore/durastore/pkg/types"
	"github.com/durastore/durastore/pkg/utils"
)

// Options carries collaborators that do not come from configuration
type Options struct {
	// Transport delivers queued sync items. Without one, optimistic
	// updates stay pending until settled by hand.
	Transport outbox.Transport

	// KV overrides the medium selected by storage.backend
	KV types.KVStore

	// Scheduler runs background tasks; a wall-clock ticker when nil
	Scheduler types.Scheduler
	Clock     types.Clock

	// Recorder receives every event in addition to the log and metrics
	Recorder types.EventRecorder
	Logger   *utils.StructuredLogger
}

// Layer wires the cache, the entity services and the sync outbox over one
// persistence medium
type Layer struct {
	Cache     *cache.Store
	Entities  *entity.Store
	Updates   *entity.OptimisticManager
	Conflicts *entity.ConflictResolver
	Backups   *entity.BackupManager
	Outbox    *outbox.Outbox
	Metrics   *metrics.Collector
	Health    *health.Tracker

	config    *config.Configuration
	kv        types.KVStore
	kvCloser  io.Closer
	clock     types.Clock
	logger    *utils.StructuredLogger
	rotator   *utils.LogRotator
	admin     *api.Server
	recorder  *events.AsyncRecorder
	scheduler types.Scheduler
	ticker    *scheduler.Ticker

	mu      sync.Mutex
	started bool
	closed  bool
	cancels []func()

	// allocation denials already reported by the cache health check
	deniedSeen atomic.Uint64
}

// New builds every service from cfg. Nothing runs in the background until
// Start.
func New(ctx context.Context, cfg *config.Configuration, opts Options) (l *Layer, err error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	var rotator *utils.LogRotator
	if logger == nil {
		if logger, rotator, err = newLogger(cfg.Global); err != nil {
			return nil, err
		}
	}
	if cfg.Global.ClientID != "" {
		logger = logger.WithField("client_id", cfg.Global.ClientID)
	}
	clock := opts.Clock
	if clock == nil {
		clock = scheduler.SystemClock{}
	}

	l = &Layer{config: cfg, clock: clock, rotator: rotator, logger: logger.WithComponent("durable")}
	defer func() {
		if err != nil {
			_ = l.closeResources()
		}
	}()

	l.kv = opts.KV
	if l.kv == nil {
		if l.kv, l.kvCloser, err = openStorage(ctx, cfg.Storage, logger); err != nil {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, "failed to open storage").
				WithComponent("durable").
				WithContext("backend", cfg.Storage.Backend).
				WithCause(err)
		}
	}

	labels := map[string]string{}
	if cfg.Global.ClientID != "" {
		labels["client_id"] = cfg.Global.ClientID
	}
	l.Metrics, err = metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Global.MetricsEnabled,
		Address:   cfg.Global.MetricsAddress,
		Path:      "/metrics",
		Namespace: "durastore",
		Labels:    labels,
	}, logger)
	if err != nil {
		return nil, err
	}

	sinks := events.NewFanout(
		events.NewLogRecorder(logger.WithComponent("events"),
			cache.EventIntegrityFailure,
			entity.EventBackupRestoreRefused,
			entity.EventConflictDetected,
			outbox.EventItemDropped,
			outbox.EventBreakerChange,
		),
		l.Metrics,
		opts.Recorder,
	)
	l.recorder = events.NewAsyncRecorder(sinks, cfg.Global.EventBuffer)

	cacheCfg, err := cacheConfig(cfg)
	if err != nil {
		return nil, err
	}
	l.Cache, err = cache.New(cacheCfg, cache.Options{
		KV:       l.kv,
		Clock:    clock,
		Recorder: l.recorder,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	l.Entities = entity.NewStore(entity.StoreOptions{
		KV:       l.kv,
		Clock:    clock,
		Logger:   logger,
		ClientID: cfg.Global.ClientID,
	})

	// The outbox needs the handler and the entity services need the
	// outbox as their queue, so the handler is filled in afterwards.
	handler := &syncHandler{logger: logger.WithComponent("sync")}
	var queue types.SyncQueue = types.NopQueue{}
	if opts.Transport != nil {
		l.Outbox, err = outbox.New(opts.Transport, outboxConfig(cfg, clock), outbox.Options{
			Handler:  handler,
			Recorder: l.recorder,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		queue = l.Outbox
	}

	l.Updates = entity.NewOptimisticManager(l.Entities, optimisticConfig(cfg), entity.ManagerOptions{
		Queue:    queue,
		Recorder: l.recorder,
		Logger:   logger,
	})
	l.Conflicts = entity.NewConflictResolver(l.Entities, conflictConfig(cfg), entity.ResolverOptions{
		Queue:    queue,
		Recorder: l.recorder,
		Logger:   logger,
	})
	handler.updates = l.Updates
	handler.conflicts = l.Conflicts

	compressor, err := cache.NewCompressor(cacheCfg.Compression)
	if err != nil {
		return nil, err
	}
	l.Backups, err = entity.NewBackupManager(l.Entities, backupConfig(cfg), entity.BackupOptions{
		KV:         l.kv,
		Compressor: compressor,
		Recorder:   l.recorder,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	l.scheduler = opts.Scheduler
	if l.scheduler == nil {
		l.ticker = scheduler.NewTicker(logger)
		l.scheduler = l.ticker
	}

	healthCfg := health.DefaultConfig()
	healthCfg.CheckInterval = cfg.Global.HealthInterval
	l.Health = health.NewTracker(healthCfg, health.Options{
		Clock:    clock,
		Recorder: l.recorder,
		Logger:   logger,
	})
	l.registerHealth()

	if cfg.Global.AdminAddress != "" {
		adminCfg := api.DefaultServerConfig()
		adminCfg.Address = cfg.Global.AdminAddress
		l.admin = api.NewServer(adminCfg, adminBackend{l: l}, logger)
	}

	if err := l.watchMetrics(); err != nil {
		return nil, err
	}
	return l, nil
}

// newLogger writes to stderr, or to a size-rotated file when log_file is
// set
func newLogger(g config.GlobalConfig) (*utils.StructuredLogger, *utils.LogRotator, error) {
	level, err := utils.ParseLogLevel(g.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	lc := utils.DefaultStructuredLoggerConfig()
	lc.Level = level
	lc.Format = utils.ParseLogFormat(g.LogFormat)
	lc.Output = os.Stderr

	var rotator *utils.LogRotator
	if g.LogFile != "" {
		maxSize, err := utils.ParseBytes(g.LogMaxSize)
		if err != nil {
			return nil, nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid log_max_size").
				WithComponent("durable").WithCause(err)
		}
		rotator, err = utils.NewLogRotator(utils.RotationConfig{
			Filename:   g.LogFile,
			MaxSize:    maxSize,
			MaxBackups: g.LogMaxBackups,
			Compress:   g.LogCompress,
		})
		if err != nil {
			return nil, nil, errors.NewError(errors.ErrCodeConfigLoad, "failed to open log file").
				WithComponent("durable").WithContext("log_file", g.LogFile).WithCause(err)
		}
		lc.Output = rotator
	}

	logger, err := utils.NewStructuredLogger(lc)
	if err != nil {
		if rotator != nil {
			_ = rotator.Close()
		}
		return nil, nil, err
	}
	return logger, rotator, nil
}

func (l *Layer) watchMetrics() error {
	if !l.Metrics.Enabled() {
		return nil
	}
	errs := []error{
		l.Metrics.WatchCache(l.Cache),
		l.Metrics.WatchGauge("entities", "Entities in the local store",
			func() float64 { return float64(l.Entities.Len()) }),
		l.Metrics.WatchGauge("optimistic_updates_pending", "Optimistic updates awaiting the server",
			func() float64 { return float64(l.Updates.PendingCount()) }),
		l.Metrics.WatchGauge("conflicts_pending", "Unresolved field conflicts",
			func() float64 { return float64(l.Conflicts.PendingCount()) }),
		l.Metrics.WatchGauge("backups", "Backups in the ring",
			func() float64 { return float64(l.Backups.Len()) }),
		l.Metrics.WatchGauge("events_dropped", "Events lost to a full event queue",
			func() float64 { return float64(l.recorder.Dropped()) }),
	}
	if l.Outbox != nil {
		errs = append(errs, l.Metrics.WatchGauge("outbox_pending", "Sync items waiting for delivery",
			func() float64 { return float64(l.Outbox.Len()) }))
	}
	return multierr.Combine(errs...)
}

// Start restores state from the medium, then starts the metrics server,
// the outbox and the background tasks
func (l *Layer) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.NewError(errors.ErrCodeInvalidState, "layer is closed").WithComponent("durable")
	}
	if l.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "layer already started").WithComponent("durable")
	}

	if err := l.Cache.Load(ctx); err != nil {
		return fmt.Errorf("load cache: %w", err)
	}
	loaded, bad, err := l.Entities.Load(ctx)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	backups, err := l.Backups.Load(ctx)
	if err != nil {
		return fmt.Errorf("load backups: %w", err)
	}

	if err := l.Metrics.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if l.Outbox != nil {
		if err := l.Outbox.Start(ctx); err != nil {
			return err
		}
	}

	if l.admin != nil {
		if err := l.admin.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}

	l.cancels = append(l.cancels,
		l.Cache.Start(l.scheduler),
		l.Updates.Start(l.scheduler),
		l.Conflicts.Start(l.scheduler),
		l.Backups.Start(l.scheduler),
		l.Health.Start(l.scheduler),
	)
	l.started = true

	l.logger.Info("Durability layer started", map[string]interface{}{
		"backend":  l.config.Storage.Backend,
		"entities": loaded,
		"corrupt":  bad,
		"backups":  backups,
		"sync":     l.Outbox != nil,
		"admin":    l.AdminAddr(),
	})
	return nil
}

// AdminAddr returns the admin API listening address, empty when the API is
// disabled or not started
func (l *Layer) AdminAddr() string {
	if l.admin == nil {
		return ""
	}
	return l.admin.Addr()
}

// RegisterSchema validates future writes of entityType against schema
func (l *Layer) RegisterSchema(entityType string, schema *entity.Schema) error {
	return l.Entities.RegisterSchema(entityType, schema)
}

// HandleDataConflict is the entry point for server state that arrives
// outside the outbox, for example from a push channel
func (l *Layer) HandleDataConflict(ctx context.Context, entityID, entityType string, serverData interface{}, serverTimestamp time.Time) ([]entity.Conflict, error) {
	return l.Conflicts.HandleDataConflict(ctx, entityID, entityType, serverData, serverTimestamp)
}

// Flush delivers queued sync items now. It is a no-op without a transport.
func (l *Layer) Flush(ctx context.Context) int {
	if l.Outbox == nil {
		return 0
	}
	start := time.Now()
	settled := l.Outbox.Flush(ctx)
	l.Metrics.RecordOperation("sync_flush", time.Since(start), 0, true)
	return settled
}

// SetLogLevel changes the level of every component logger
func (l *Layer) SetLogLevel(level string) error {
	lvl, err := utils.ParseLogLevel(level)
	if err != nil {
		return errors.NewError(errors.ErrCodeInvalidConfig, err.Error()).WithComponent("durable")
	}
	l.logger.SetLevel(lvl)
	return nil
}

// Reload applies the settings of cfg that can change at runtime. Today
// that is the log level; everything else needs a new Layer.
func (l *Layer) Reload(cfg *config.Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return l.SetLogLevel(cfg.Global.LogLevel)
}

// Stats summarizes the layer
type Stats struct {
	Cache            types.CacheStats `json:"cache"`
	Pool             types.PoolStats  `json:"pool"`
	Entities         int              `json:"entities"`
	PendingUpdates   int              `json:"pending_updates"`
	PendingConflicts int              `json:"pending_conflicts"`
	Backups          int              `json:"backups"`
	Outbox           *outbox.Stats    `json:"outbox,omitempty"`
	EventsDropped    uint64           `json:"events_dropped"`
	Health           health.State     `json:"health"`
}

// Stats returns a point-in-time summary
func (l *Layer) Stats() Stats {
	s := Stats{
		Cache:            l.Cache.Stats(),
		Pool:             l.Cache.PoolStats(),
		Entities:         l.Entities.Len(),
		PendingUpdates:   l.Updates.PendingCount(),
		PendingConflicts: l.Conflicts.PendingCount(),
		Backups:          l.Backups.Len(),
		EventsDropped:    l.recorder.Dropped(),
		Health:           l.Health.Overall(),
	}
	if l.Outbox != nil {
		o := l.Outbox.GetStats()
		s.Outbox = &o
	}
	return s
}

// Close stops background work, drains the outbox and releases the medium.
// Sync items still undelivered are returned so the caller can keep them.
func (l *Layer) Close(ctx context.Context) ([]types.SyncItem, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, nil
	}
	l.closed = true
	cancels := l.cancels
	l.cancels = nil
	l.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	var (
		errs      error
		remaining []types.SyncItem
	)
	if l.admin != nil {
		errs = multierr.Append(errs, l.admin.Shutdown(ctx))
	}
	if l.Outbox != nil {
		remaining = l.Outbox.Stop(ctx)
	}
	errs = multierr.Append(errs, l.Metrics.Stop(ctx))

	l.logger.Info("Durability layer closed", map[string]interface{}{
		"undelivered": len(remaining),
	})
	_ = l.logger.Sync()
	errs = multierr.Append(errs, l.closeResources())
	return remaining, errs
}

func (l *Layer) closeResources() error {
	if l.ticker != nil {
		l.ticker.Stop()
	}
	if l.recorder != nil {
		l.recorder.Close()
	}
	var errs error
	if l.kvCloser != nil {
		errs = multierr.Append(errs, l.kvCloser.Close())
	}
	if l.rotator != nil {
		errs = multierr.Append(errs, l.rotator.Close())
	}
	return errs
}
