package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/durastore/durastore/internal/buffer"
	"github.com/durastore/durastore/pkg/errors"
	"github.com/durastore/durastore/pkg/memmon"
	"github.com/durastore/durastore/pkg/types"
	"github.com/durastore/durastore/pkg/utils"
)

// Event names emitted by the store
const (
	EventEviction         = "cache_eviction"
	EventIntegrityFailure = "cache_integrity_failure"
	EventAllocationDenied = "cache_allocation_denied"
	EventPromotion        = "cache_promotion"
	EventGC               = "cache_gc"
)

// Config represents cache store configuration
type Config struct {
	Pool        buffer.PoolConfig `yaml:"pool"`
	Compression CompressorConfig  `yaml:"compression"`

	// DefaultTTL applies when SetOptions.TTL is zero; zero means no expiry
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// EnableDisk turns on the disk tier; a KVStore must then be supplied
	EnableDisk bool `yaml:"enable_disk"`

	GCInterval        time.Duration `yaml:"gc_interval"`
	PressureInterval  time.Duration `yaml:"pressure_interval"`
	PressureThreshold float64       `yaml:"pressure_threshold"`
}

// DefaultConfig returns a 64MB memory tier with zstd compression
func DefaultConfig() Config {
	return Config{
		Pool: buffer.PoolConfig{
			Available:     64 * 1024 * 1024,
			ReservedRatio: buffer.DefaultReservedRatio,
			GCTrigger:     buffer.DefaultGCTrigger,
		},
		Compression:       DefaultCompressorConfig(),
		EnableDisk:        true,
		GCInterval:        5 * time.Minute,
		PressureInterval:  30 * time.Second,
		PressureThreshold: 0.8,
	}
}

// Options carries the store's collaborators
type Options struct {
	// KV backs the disk tier
	KV types.KVStore

	Clock    types.Clock
	Recorder types.EventRecorder
	Logger   *utils.StructuredLogger
	Evictor  *Evictor
}

// SetOptions controls a single Set
type SetOptions struct {
	TTL      time.Duration
	Priority Priority
	ETag     string

	// Persist mirrors the entry to the disk tier immediately
	Persist bool
}

// GetOptions controls a single Get. Disk-tier reads are always verified.
type GetOptions struct {
	ValidateIntegrity bool
}

type counters struct {
	hits              uint64
	misses            uint64
	evictions         uint64
	demotions         uint64
	promotions        uint64
	integrityFailures uint64
	allocationDenied  uint64
	bytesSaved        int64
}

type evicted struct {
	entry  *Entry
	policy string
}

// Store is a two-tier cache: a memory tier bounded by a MemoryPool and an
// optional disk tier in a KVStore. Evicted memory entries are demoted to
// disk and promoted back on a later hit when memory allows.
//
// versions holds the latest version per key, including deleted keys, so
// disk writes that finish after a newer Set or Delete are dropped.
type Store struct {
	config     Config
	pool       *buffer.MemoryPool
	compressor *Compressor
	verifier   *Verifier
	evictor    *Evictor
	disk       *DiskTier
	pressure   *memmon.Monitor
	clock      types.Clock
	recorder   types.EventRecorder
	logger     *utils.StructuredLogger

	mu       sync.Mutex
	entries  map[string]*Entry
	versions map[string]int64
	seq      uint64
	stats    counters

	// serializes disk-tier mutations
	diskMu sync.Mutex

	gcRunning atomic.Bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New creates a cache store
func New(config Config, opts Options) (*Store, error) {
	pool, err := buffer.NewMemoryPool(config.Pool)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid memory pool").
			WithComponent("cache").WithCause(err)
	}
	compressor, err := NewCompressor(config.Compression)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid compression settings").
			WithComponent("cache").WithCause(err)
	}
	if config.EnableDisk && opts.KV == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "disk tier enabled without a persistence medium").
			WithComponent("cache")
	}

	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Recorder == nil {
		opts.Recorder = types.NopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	if opts.Evictor == nil {
		opts.Evictor = NewEvictor()
	}
	if config.PressureThreshold == 0 {
		config.PressureThreshold = pool.Stats().GCTrigger
	}

	s := &Store{
		config:     config,
		pool:       pool,
		compressor: compressor,
		verifier:   NewVerifier(compressor),
		evictor:    opts.Evictor,
		clock:      opts.Clock,
		recorder:   opts.Recorder,
		logger:     opts.Logger.WithComponent("cache"),
		entries:    make(map[string]*Entry),
		versions:   make(map[string]int64),
	}
	if config.EnableDisk {
		s.disk = NewDiskTier(opts.KV)
	}

	s.pressure, err = memmon.NewMonitor(memmon.MonitorConfig{
		Threshold: config.PressureThreshold,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
	}, pool, func(ctx context.Context) { s.CollectGarbage(ctx) })
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid pressure threshold").
			WithComponent("cache").WithCause(err)
	}

	return s, nil
}

// Load indexes the disk tier. Undecodable records are removed.
func (s *Store) Load(ctx context.Context) error {
	if s.disk == nil {
		return nil
	}
	n, bad, err := s.disk.LoadIndex(ctx)
	if err != nil {
		return err
	}
	for _, key := range bad {
		s.logger.Warn("Dropping unreadable disk record", map[string]interface{}{"key": key})
		s.removeFromDisk(ctx, key)
	}
	s.logger.Info("Disk tier loaded", map[string]interface{}{"entries": n, "dropped": len(bad)})
	return nil
}

// Set stores value under key. It returns false when the memory pool cannot
// hold the value even after eviction; the key is then left uncached.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts SetOptions) bool {
	now := s.clock.Now()

	held, algorithm, compressed := s.compressor.Compress(value)
	if !compressed {
		held = append([]byte(nil), value...)
	}

	ttl := opts.TTL
	if ttl == 0 {
		ttl = s.config.DefaultTTL
	}
	e := &Entry{
		Key:          key,
		Value:        held,
		Timestamp:    now,
		ETag:         opts.ETag,
		Size:         int64(len(held)),
		Priority:     opts.Priority,
		LastAccessed: now,
		Compressed:   compressed,
		Algorithm:    algorithm,
		Checksum:     Checksum(value),
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.pool.Deallocate(old.Size)
	}
	e.Version = s.bumpLocked(key)

	victims, ok := s.allocateLocked(e.Size)
	if !ok {
		s.stats.allocationDenied++
		s.mu.Unlock()

		s.removeFromDisk(ctx, key)
		s.logger.Debug("Allocation denied", map[string]interface{}{
			"key":  key,
			"size": e.Size,
		})
		s.recorder.Record(EventAllocationDenied, map[string]interface{}{
			"key":      key,
			"size":     e.Size,
			"priority": e.Priority.String(),
		})
		return false
	}

	s.seq++
	e.seq = s.seq
	s.entries[key] = e
	if compressed {
		s.stats.bytesSaved += int64(len(value)) - e.Size
	}
	var persist *Entry
	if opts.Persist && s.disk != nil {
		persist = e.clone()
	}
	version := e.Version
	s.mu.Unlock()

	s.demote(ctx, victims)
	if persist != nil {
		s.writeDisk(ctx, persist)
	} else {
		// an older record would come back as a valid hit after a restart
		s.dropDiskIf(ctx, key, func(m diskMeta) bool { return m.Version < version })
	}
	return true
}

// allocateLocked claims size bytes, evicting once if needed. Evicted
// entries are returned for demotion even when the claim still fails.
func (s *Store) allocateLocked(size int64) ([]evicted, bool) {
	if size > s.pool.Usable() {
		return nil, false
	}
	if s.pool.Allocate(size) {
		return nil, true
	}

	candidates := make([]Candidate, 0, len(s.entries))
	for _, e := range s.entries {
		candidates = append(candidates, candidateOf(e))
	}
	victims := s.evictor.SelectVictims(candidates, size-s.pool.Free())
	if len(victims) == 0 {
		return nil, false
	}

	out := make([]evicted, 0, len(victims))
	for _, v := range victims {
		e := s.entries[v.Key]
		delete(s.entries, v.Key)
		s.pool.Deallocate(e.Size)
		s.stats.evictions++
		out = append(out, evicted{entry: e, policy: v.Policy})
	}
	return out, s.pool.Allocate(size)
}

// demote moves evicted entries to the disk tier and reports them
func (s *Store) demote(ctx context.Context, victims []evicted) {
	for _, v := range victims {
		demoted := false
		if s.disk != nil && s.writeDisk(ctx, v.entry) {
			demoted = true
			s.mu.Lock()
			s.stats.demotions++
			s.mu.Unlock()
		}
		s.logger.Debug("Entry evicted", map[string]interface{}{
			"key":     v.entry.Key,
			"policy":  v.policy,
			"demoted": demoted,
		})
		s.recorder.Record(EventEviction, map[string]interface{}{
			"key":      v.entry.Key,
			"size":     v.entry.Size,
			"priority": v.entry.Priority.String(),
			"policy":   v.policy,
			"demoted":  demoted,
		})
	}
}

// writeDisk persists e unless a newer Set or Delete superseded it
func (s *Store) writeDisk(ctx context.Context, e *Entry) bool {
	s.diskMu.Lock()
	defer s.diskMu.Unlock()

	s.mu.Lock()
	current := s.versions[e.Key]
	s.mu.Unlock()
	if current != e.Version {
		return false
	}

	if err := s.disk.Put(ctx, e); err != nil {
		s.logger.Warn("Disk tier write failed", map[string]interface{}{
			"key":   e.Key,
			"error": err,
		})
		return false
	}
	return true
}

func (s *Store) removeFromDisk(ctx context.Context, key string) {
	if s.disk == nil {
		return
	}
	s.diskMu.Lock()
	defer s.diskMu.Unlock()

	if err := s.disk.Remove(ctx, key); err != nil {
		s.logger.Warn("Disk tier remove failed", map[string]interface{}{
			"key":   key,
			"error": err,
		})
	}
}

// dropDiskIf removes the disk record of key when drop accepts its indexed
// metadata. Check and removal both hold diskMu, so a record written
// meanwhile by writeDisk is judged on its own metadata.
func (s *Store) dropDiskIf(ctx context.Context, key string, drop func(diskMeta) bool) bool {
	if s.disk == nil {
		return false
	}
	s.diskMu.Lock()
	defer s.diskMu.Unlock()

	m, ok := s.disk.meta(key)
	if !ok || !drop(m) {
		return false
	}
	if err := s.disk.Remove(ctx, key); err != nil {
		s.logger.Warn("Disk tier remove failed", map[string]interface{}{
			"key":   key,
			"error": err,
		})
		return false
	}
	return true
}

// bumpLocked advances and returns the version of key. A key first seen on
// disk continues from the disk record's version.
func (s *Store) bumpLocked(key string) int64 {
	v, known := s.versions[key]
	if !known && s.disk != nil {
		v, _ = s.disk.Version(key)
	}
	v++
	s.versions[key] = v
	return v
}

// removeLocked drops a memory entry and releases its bytes
func (s *Store) removeLocked(key string) *Entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	delete(s.entries, key)
	s.pool.Deallocate(e.Size)
	s.bumpLocked(key)
	return e
}

// Get returns the value for key. Expired entries are purged from both
// tiers; a checksum mismatch purges the entry. Both are plain misses.
func (s *Store) Get(ctx context.Context, key string, opts GetOptions) ([]byte, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		if e.Expired(now) {
			s.removeLocked(key)
			s.stats.misses++
			s.mu.Unlock()
			s.removeFromDisk(ctx, key)
			return nil, false
		}
		e.touch(now)
		snapshot := *e
		s.mu.Unlock()

		value, err := s.decode(&snapshot, opts.ValidateIntegrity)
		if err != nil {
			s.integrityFailure(ctx, &snapshot, TierMemory, err)
			return nil, false
		}
		s.mu.Lock()
		s.stats.hits++
		s.mu.Unlock()
		return value, true
	}
	s.mu.Unlock()

	if s.disk == nil {
		s.miss()
		return nil, false
	}
	return s.getFromDisk(ctx, key, now, opts)
}

func (s *Store) getFromDisk(ctx context.Context, key string, now time.Time, opts GetOptions) ([]byte, bool) {
	e, err := s.disk.Get(ctx, key)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeIntegrityViolation) {
			s.integrityFailure(ctx, &Entry{Key: key}, TierDisk, err)
		} else {
			s.logger.Warn("Disk tier read failed", map[string]interface{}{"key": key, "error": err})
			s.miss()
		}
		return nil, false
	}
	if e == nil {
		s.miss()
		return nil, false
	}

	// the read happened outside the lock; re-check what changed meanwhile
	s.mu.Lock()
	if _, inMemory := s.entries[key]; inMemory {
		s.mu.Unlock()
		return s.Get(ctx, key, opts)
	}
	current, known := s.versions[key]
	if known && current != e.Version {
		s.stats.misses++
		s.mu.Unlock()
		return nil, false
	}
	if e.Expired(now) {
		s.bumpLocked(key)
		s.stats.misses++
		s.mu.Unlock()
		s.removeFromDisk(ctx, key)
		return nil, false
	}
	s.versions[key] = e.Version
	s.mu.Unlock()

	value, err := s.verifier.Verify(e)
	if err != nil {
		s.integrityFailure(ctx, e, TierDisk, err)
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.versions[key] != e.Version {
		s.stats.misses++
		return nil, false
	}
	s.stats.hits++
	e.touch(now)
	if _, inMemory := s.entries[key]; !inMemory && s.pool.Allocate(e.Size) {
		s.seq++
		e.seq = s.seq
		s.entries[key] = e
		s.stats.promotions++
		s.recorder.Record(EventPromotion, map[string]interface{}{
			"key":  key,
			"size": e.Size,
		})
	}
	return value, true
}

// decode returns a caller-owned copy of the canonical bytes
func (s *Store) decode(e *Entry, validate bool) ([]byte, error) {
	if validate {
		return s.verifier.Verify(e)
	}
	canonical, err := s.verifier.Canonical(e)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIntegrityViolation, "stored value cannot be decoded").
			WithComponent("cache").WithContext("key", e.Key).WithCause(err)
	}
	if !e.Compressed {
		canonical = append([]byte(nil), canonical...)
	}
	return canonical, nil
}

// integrityFailure purges a corrupt entry from both tiers
func (s *Store) integrityFailure(ctx context.Context, e *Entry, tier Tier, cause error) {
	purge := true
	s.mu.Lock()
	if cur, ok := s.entries[e.Key]; ok {
		// a newer value may have replaced the corrupt one meanwhile
		if tier == TierMemory && cur.Version == e.Version {
			s.removeLocked(e.Key)
		} else {
			purge = false
		}
	} else {
		s.bumpLocked(e.Key)
	}
	s.stats.integrityFailures++
	s.stats.misses++
	s.mu.Unlock()

	if purge {
		s.removeFromDisk(ctx, e.Key)
	}

	s.logger.Warn("Integrity check failed, entry purged", map[string]interface{}{
		"key":   e.Key,
		"tier":  string(tier),
		"error": cause,
	})
	s.recorder.Record(EventIntegrityFailure, map[string]interface{}{
		"key":  e.Key,
		"tier": string(tier),
	})
}

func (s *Store) miss() {
	s.mu.Lock()
	s.stats.misses++
	s.mu.Unlock()
}

// GetEntry returns entry metadata without counting an access
func (s *Store) GetEntry(ctx context.Context, key string) (*EntryInfo, bool) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		info := e.info(TierMemory)
		s.mu.Unlock()
		return info, true
	}
	s.mu.Unlock()

	if s.disk == nil {
		return nil, false
	}
	e, err := s.disk.Get(ctx, key)
	if err != nil || e == nil {
		return nil, false
	}
	return e.info(TierDisk), true
}

// Delete removes key from both tiers and reports whether it existed
func (s *Store) Delete(ctx context.Context, key string) bool {
	s.mu.Lock()
	existed := s.removeLocked(key) != nil
	if !existed {
		s.bumpLocked(key)
	}
	s.mu.Unlock()

	if s.disk != nil {
		existed = s.disk.Has(key) || existed
		s.removeFromDisk(ctx, key)
	}
	return existed
}

// Clear empties both tiers
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	for key := range s.entries {
		s.bumpLocked(key)
	}
	for key := range s.versions {
		if _, inMemory := s.entries[key]; !inMemory {
			s.versions[key]++
		}
	}
	s.entries = make(map[string]*Entry)
	s.pool.Reset(0)
	s.mu.Unlock()

	if s.disk == nil {
		return nil
	}
	s.diskMu.Lock()
	defer s.diskMu.Unlock()
	if err := s.disk.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// Keys returns the keys held in either tier, sorted
func (s *Store) Keys() []string {
	seen := make(map[string]struct{})

	s.mu.Lock()
	for key := range s.entries {
		seen[key] = struct{}{}
	}
	s.mu.Unlock()

	if s.disk != nil {
		for _, key := range s.disk.Keys() {
			seen[key] = struct{}{}
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Stats returns cache statistics
func (s *Store) Stats() types.CacheStats {
	s.mu.Lock()
	c := s.stats
	entries := len(s.entries)
	s.mu.Unlock()

	pool := s.pool.Stats()
	stats := types.CacheStats{
		Hits:              c.hits,
		Misses:            c.misses,
		Evictions:         c.evictions,
		Demotions:         c.demotions,
		Promotions:        c.promotions,
		IntegrityFailures: c.integrityFailures,
		AllocationDenied:  c.allocationDenied,
		Entries:           entries,
		Size:              pool.Used,
		Capacity:          pool.Usable,
		BytesSaved:        c.bytesSaved,
		Utilization:       pool.Utilization,
	}
	if s.disk != nil {
		stats.DiskEntries = s.disk.Len()
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// PoolStats returns the memory pool counters
func (s *Store) PoolStats() types.PoolStats {
	return s.pool.Stats()
}
