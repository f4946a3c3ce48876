package entity

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maruel/ksid"
	"go.uber.org/multierr"

	"github.com/durastore/durastore/internal/cache"
	"github.com/durastore/durastore/pkg/errors"
	"github.com/durastore/durastore/pkg/types"
	"github.com/durastore/durastore/pkg/utils"
)

// BackupPrefix namespaces persisted backups in the medium
const BackupPrefix = "backup/"

// TaskBackup is the scheduler name of the periodic backup
const TaskBackup = "entity-backup"

// Event names emitted by the backup manager
const (
	EventBackupCreated        = "backup_created"
	EventBackupRestored       = "backup_restored"
	EventBackupRestoreRefused = "backup_restore_refused"
)

// BackupPoint is an immutable, checksummed snapshot of the entity store
type BackupPoint struct {
	ID        string             `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	Entities  map[string]*Entity `json:"entities"`
	Checksum  string             `json:"checksum"`
	Size      int64              `json:"size"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
}

func (b *BackupPoint) clone() *BackupPoint {
	c := *b
	c.Entities = cloneSnapshot(b.Entities)
	if b.Metadata != nil {
		c.Metadata = make(map[string]string, len(b.Metadata))
		for k, v := range b.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Verify recomputes the snapshot checksum
func (b *BackupPoint) Verify() bool {
	return SnapshotChecksum(b.Entities) == b.Checksum
}

// BackupConfig sizes the backup ring
type BackupConfig struct {
	MaxBackups int `yaml:"max_backups"`

	// Persist writes each backup to the medium under backup/<id>
	Persist bool `yaml:"persist"`

	// Interval of the periodic backup; zero disables it
	Interval time.Duration `yaml:"interval"`
}

// DefaultBackupConfig keeps the 10 most recent backups in memory
func DefaultBackupConfig() BackupConfig {
	return BackupConfig{
		MaxBackups: 10,
		Interval:   time.Hour,
	}
}

// BackupOptions carries the backup manager's collaborators
type BackupOptions struct {
	// KV stores persisted backups; required when Persist is set
	KV types.KVStore

	// Compressor shrinks persisted backups; nil stores them raw
	Compressor *cache.Compressor

	Recorder types.EventRecorder
	Logger   *utils.StructuredLogger
}

// backupRecord is the persisted form of a backup
type backupRecord struct {
	Algorithm string `json:"algorithm,omitempty"`
	Payload   []byte `json:"payload"`
}

// BackupManager keeps a ring of the most recent backups of a Store
type BackupManager struct {
	store      *Store
	config     BackupConfig
	kv         types.KVStore
	compressor *cache.Compressor
	recorder   types.EventRecorder
	logger     *utils.StructuredLogger

	mu      sync.Mutex
	backups []*BackupPoint // oldest first
}

// NewBackupManager creates a backup manager over store
func NewBackupManager(store *Store, config BackupConfig, opts BackupOptions) (*BackupManager, error) {
	if config.MaxBackups <= 0 {
		config.MaxBackups = DefaultBackupConfig().MaxBackups
	}
	if config.Persist && opts.KV == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "backup persistence enabled without a persistence medium").
			WithComponent("backup")
	}
	if opts.Recorder == nil {
		opts.Recorder = types.NopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}

	return &BackupManager{
		store:      store,
		config:     config,
		kv:         opts.KV,
		compressor: opts.Compressor,
		recorder:   opts.Recorder,
		logger:     opts.Logger.WithComponent("backup"),
	}, nil
}

// CreateBackup snapshots every entity and appends the snapshot to the
// ring, dropping the oldest backup beyond MaxBackups
func (b *BackupManager) CreateBackup(ctx context.Context, metadata map[string]string) (*BackupPoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createLocked(ctx, metadata)
}

func (b *BackupManager) createLocked(ctx context.Context, metadata map[string]string) (*BackupPoint, error) {
	snapshot := b.store.Snapshot()
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInternalError, "failed to encode snapshot").
			WithComponent("backup").WithOperation("create").WithCause(err)
	}

	point := &BackupPoint{
		ID:        ksid.NewID().String(),
		Timestamp: b.store.clock.Now(),
		Entities:  snapshot,
		Checksum:  SnapshotChecksum(snapshot),
		Size:      int64(len(encoded)),
	}
	if len(metadata) > 0 {
		point.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			point.Metadata[k] = v
		}
	}

	if b.config.Persist {
		if err := b.persist(ctx, point); err != nil {
			return nil, err
		}
	}

	b.backups = append(b.backups, point)
	for len(b.backups) > b.config.MaxBackups {
		dropped := b.backups[0]
		b.backups = b.backups[1:]
		if b.config.Persist {
			if err := b.kv.Remove(ctx, BackupPrefix+dropped.ID); err != nil {
				b.logger.Warn("Failed to remove dropped backup", map[string]interface{}{
					"backup_id": dropped.ID,
					"error":     err,
				})
			}
		}
	}

	b.logger.Info("Created backup", map[string]interface{}{
		"backup_id": point.ID,
		"entities":  len(snapshot),
		"size":      utils.FormatBytes(point.Size),
	})
	b.recorder.Record(EventBackupCreated, map[string]interface{}{
		"backup_id": point.ID,
		"entities":  len(snapshot),
		"size":      point.Size,
	})
	return point.clone(), nil
}

// RestoreFromBackup replaces the store's contents with backup id. A
// backup whose checksum no longer matches is refused: the store is left
// untouched and (false, BACKUP_INTEGRITY) is returned. Before restoring,
// a pre-restore backup of the current state is taken.
func (b *BackupManager) RestoreFromBackup(ctx context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	point := b.findLocked(id)
	if point == nil {
		return false, errors.NewError(errors.ErrCodeBackupNotFound, "unknown backup").
			WithComponent("backup").WithOperation("restore").WithContext("backup_id", id)
	}

	if actual := SnapshotChecksum(point.Entities); actual != point.Checksum {
		b.logger.Warn("Refusing to restore corrupted backup", map[string]interface{}{
			"backup_id": id,
			"expected":  point.Checksum,
			"actual":    actual,
		})
		b.recorder.Record(EventBackupRestoreRefused, map[string]interface{}{
			"backup_id": id,
			"reason":    "checksum_mismatch",
		})
		return false, errors.NewError(errors.ErrCodeBackupIntegrity, "backup checksum mismatch").
			WithComponent("backup").WithOperation("restore").WithContext("backup_id", id).
			WithDetail("expected", point.Checksum).WithDetail("actual", actual)
	}

	safety, err := b.createLocked(ctx, map[string]string{"reason": "pre-restore", "restoring": id})
	if err != nil {
		return false, err
	}

	if err := b.store.ReplaceAll(ctx, point.Entities); err != nil {
		b.logger.Error("Restored backup but failed to persist every entity", map[string]interface{}{
			"backup_id": id,
			"error":     err,
		})
	}

	b.logger.Info("Restored backup", map[string]interface{}{
		"backup_id":      id,
		"pre_restore_id": safety.ID,
		"entities":       len(point.Entities),
	})
	b.recorder.Record(EventBackupRestored, map[string]interface{}{
		"backup_id":      id,
		"pre_restore_id": safety.ID,
		"entities":       len(point.Entities),
	})
	return true, nil
}

func (b *BackupManager) findLocked(id string) *BackupPoint {
	for _, p := range b.backups {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// List returns the backups, oldest first, without their snapshots
func (b *BackupManager) List() []BackupPoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BackupPoint, 0, len(b.backups))
	for _, p := range b.backups {
		c := *p
		c.Entities = nil
		out = append(out, c)
	}
	return out
}

// Get returns a copy of backup id
func (b *BackupManager) Get(id string) (*BackupPoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.findLocked(id)
	if p == nil {
		return nil, false
	}
	return p.clone(), true
}

// Len returns the number of backups held
func (b *BackupManager) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.backups)
}

// Load reads persisted backups back into the ring. Records that fail to
// decode are skipped; checksums are verified at restore time.
func (b *BackupManager) Load(ctx context.Context) (int, error) {
	if b.kv == nil {
		return 0, nil
	}

	keys, err := b.kv.ListKeys(ctx, BackupPrefix)
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeStorageRead, "failed to list backups").
			WithComponent("backup").WithOperation("load").WithCause(err)
	}

	var loaded []*BackupPoint
	var errs error
	for _, key := range keys {
		point, err := b.read(ctx, key)
		if err != nil {
			if !stderrors.Is(err, types.ErrKeyNotFound) {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		loaded = append(loaded, point)
	}
	if errs != nil {
		b.logger.Warn("Skipped unreadable backups", map[string]interface{}{
			"count": len(multierr.Errors(errs)),
			"error": errs,
		})
	}

	sort.Slice(loaded, func(i, j int) bool {
		if !loaded[i].Timestamp.Equal(loaded[j].Timestamp) {
			return loaded[i].Timestamp.Before(loaded[j].Timestamp)
		}
		return loaded[i].ID < loaded[j].ID
	})
	if len(loaded) > b.config.MaxBackups {
		loaded = loaded[len(loaded)-b.config.MaxBackups:]
	}

	b.mu.Lock()
	b.backups = loaded
	b.mu.Unlock()
	return len(loaded), nil
}

func (b *BackupManager) persist(ctx context.Context, point *BackupPoint) error {
	data, err := json.Marshal(point)
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to encode backup").
			WithComponent("backup").WithCause(err)
	}

	record := backupRecord{Payload: data}
	if b.compressor != nil {
		if compressed, algorithm, ok := b.compressor.Compress(data); ok {
			record = backupRecord{Algorithm: algorithm, Payload: compressed}
		}
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to encode backup record").
			WithComponent("backup").WithCause(err)
	}
	if err := b.kv.Set(ctx, BackupPrefix+point.ID, encoded); err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to persist backup").
			WithComponent("backup").WithContext("backup_id", point.ID).WithCause(err)
	}
	return nil
}

func (b *BackupManager) read(ctx context.Context, key string) (*BackupPoint, error) {
	raw, err := b.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var record backupRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "undecodable backup record").
			WithContext("key", key).WithCause(err)
	}

	data := record.Payload
	if record.Algorithm != "" {
		if b.compressor == nil {
			return nil, errors.NewError(errors.ErrCodeStorageRead, "compressed backup without a compressor").
				WithContext("key", key)
		}
		if data, err = b.compressor.Decompress(data, record.Algorithm); err != nil {
			return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to decompress backup").
				WithContext("key", key).WithCause(err)
		}
	}

	var point BackupPoint
	if err := json.Unmarshal(data, &point); err != nil || point.ID != strings.TrimPrefix(key, BackupPrefix) {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "undecodable backup").
			WithContext("key", key).WithCause(err)
	}
	if point.Entities == nil {
		point.Entities = map[string]*Entity{}
	}
	return &point, nil
}

// Start registers the periodic backup. With a zero Interval it does
// nothing and returns a no-op cancel.
func (b *BackupManager) Start(sched types.Scheduler) func() {
	if b.config.Interval <= 0 {
		return func() {}
	}
	return sched.Schedule(TaskBackup, b.config.Interval, func(ctx context.Context) {
		if _, err := b.CreateBackup(ctx, map[string]string{"reason": "scheduled"}); err != nil {
			b.logger.Error("Scheduled backup failed", map[string]interface{}{
				"error": err,
			})
		}
	})
}
