package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/durastore/durastore/pkg/errors"
	"github.com/durastore/durastore/pkg/types"
)

// DiskPrefix namespaces cache records in the persistence medium
const DiskPrefix = "cache/"

// diskMeta is what the disk tier keeps in memory about each record
type diskMeta struct {
	Version   int64
	Size      int64
	ExpiresAt time.Time
}

func (m diskMeta) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// DiskTier stores entries as self-describing JSON records in a KVStore.
// It keeps a small in-memory index so stats and GC need no medium scan.
type DiskTier struct {
	kv     types.KVStore
	prefix string

	mu    sync.RWMutex
	index map[string]diskMeta
}

// NewDiskTier creates a disk tier over kv
func NewDiskTier(kv types.KVStore) *DiskTier {
	return &DiskTier{
		kv:     kv,
		prefix: DiskPrefix,
		index:  make(map[string]diskMeta),
	}
}

func (d *DiskTier) storageKey(key string) string {
	return d.prefix + key
}

// LoadIndex rebuilds the index from the medium. Records that cannot be
// decoded are skipped and returned as the second value.
func (d *DiskTier) LoadIndex(ctx context.Context) (int, []string, error) {
	keys, err := d.kv.ListKeys(ctx, d.prefix)
	if err != nil {
		return 0, nil, errors.NewError(errors.ErrCodeStorageRead, "failed to list disk tier").
			WithComponent("cache").WithOperation("load_index").WithCause(err)
	}

	index := make(map[string]diskMeta, len(keys))
	var bad []string
	for _, sk := range keys {
		key := strings.TrimPrefix(sk, d.prefix)
		e, err := d.read(ctx, key)
		if err != nil || e == nil {
			bad = append(bad, key)
			continue
		}
		index[key] = diskMeta{Version: e.Version, Size: e.Size, ExpiresAt: e.ExpiresAt}
	}

	d.mu.Lock()
	d.index = index
	d.mu.Unlock()

	return len(index), bad, nil
}

// Put writes an entry
func (d *DiskTier) Put(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode disk record: %w", err)
	}
	if err := d.kv.Set(ctx, d.storageKey(e.Key), data); err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to write disk record").
			WithComponent("cache").WithOperation("disk_put").
			WithContext("key", e.Key).WithCause(err)
	}

	d.mu.Lock()
	d.index[e.Key] = diskMeta{Version: e.Version, Size: e.Size, ExpiresAt: e.ExpiresAt}
	d.mu.Unlock()
	return nil
}

// Get reads an entry. A missing record returns (nil, nil).
func (d *DiskTier) Get(ctx context.Context, key string) (*Entry, error) {
	e, err := d.read(ctx, key)
	if err != nil {
		return nil, err
	}
	if e == nil {
		d.mu.Lock()
		delete(d.index, key)
		d.mu.Unlock()
	}
	return e, nil
}

func (d *DiskTier) read(ctx context.Context, key string) (*Entry, error) {
	data, err := d.kv.Get(ctx, d.storageKey(key))
	if stderrors.Is(err, types.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to read disk record").
			WithComponent("cache").WithOperation("disk_get").
			WithContext("key", key).WithCause(err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.NewError(errors.ErrCodeIntegrityViolation, "disk record is not decodable").
			WithComponent("cache").WithOperation("disk_get").
			WithContext("key", key).WithCause(err)
	}
	if e.Key == "" {
		e.Key = key
	}
	return &e, nil
}

// Remove deletes a record. Removing a missing record is not an error.
func (d *DiskTier) Remove(ctx context.Context, key string) error {
	d.mu.Lock()
	delete(d.index, key)
	d.mu.Unlock()

	err := d.kv.Remove(ctx, d.storageKey(key))
	if err != nil && !stderrors.Is(err, types.ErrKeyNotFound) {
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to remove disk record").
			WithComponent("cache").WithOperation("disk_remove").
			WithContext("key", key).WithCause(err)
	}
	return nil
}

// Has reports whether the index knows key
func (d *DiskTier) Has(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.index[key]
	return ok
}

// meta returns the indexed metadata of key
func (d *DiskTier) meta(key string) (diskMeta, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.index[key]
	return m, ok
}

// Version returns the indexed version of key
func (d *DiskTier) Version(key string) (int64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.index[key]
	return m.Version, ok
}

// Len returns the number of indexed records
func (d *DiskTier) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.index)
}

// Keys returns the indexed keys, sorted
func (d *DiskTier) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	keys := make([]string, 0, len(d.index))
	for k := range d.index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Expired returns the indexed keys past their expiry at now
func (d *DiskTier) Expired(now time.Time) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var keys []string
	for k, m := range d.index {
		if m.expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Size returns the bytes held by indexed records
func (d *DiskTier) Size() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var total int64
	for _, m := range d.index {
		total += m.Size
	}
	return total
}

// Clear removes every record under the cache prefix, including ones the
// index does not know about.
func (d *DiskTier) Clear(ctx context.Context) error {
	keys, err := d.kv.ListKeys(ctx, d.prefix)
	if err != nil {
		return errors.NewError(errors.ErrCodeStorageRead, "failed to list disk tier").
			WithComponent("cache").WithOperation("disk_clear").WithCause(err)
	}

	d.mu.Lock()
	d.index = make(map[string]diskMeta)
	d.mu.Unlock()

	var errs error
	for _, sk := range keys {
		if err := d.kv.Remove(ctx, sk); err != nil && !stderrors.Is(err, types.ErrKeyNotFound) {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to clear disk tier").
			WithComponent("cache").WithOperation("disk_clear").WithCause(errs)
	}
	return nil
}
