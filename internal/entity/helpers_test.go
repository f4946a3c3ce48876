package entity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durastore/durastore/internal/cache"
	"github.com/durastore/durastore/internal/scheduler"
	"github.com/durastore/durastore/internal/storage/memkv"
	"github.com/durastore/durastore/pkg/types"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordedEvent struct {
	name  string
	props map[string]interface{}
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *fakeRecorder) Record(name string, props map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name: name, props: props})
}

func (r *fakeRecorder) named(name string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

type fakeQueue struct {
	mu     sync.Mutex
	items  []types.SyncItem
	refuse bool
}

func (q *fakeQueue) Enqueue(item types.SyncItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.refuse {
		return false
	}
	q.items = append(q.items, item)
	return true
}

func (q *fakeQueue) kinds() []types.SyncKind {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.SyncKind, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item.Kind)
	}
	return out
}

type fixture struct {
	ctx       context.Context
	clock     *scheduler.ManualClock
	kv        *memkv.Store
	queue     *fakeQueue
	rec       *fakeRecorder
	store     *Store
	updates   *OptimisticManager
	conflicts *ConflictResolver
	backups   *BackupManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ctx:   context.Background(),
		clock: scheduler.NewManualClock(epoch),
		kv:    memkv.New(),
		queue: &fakeQueue{},
		rec:   &fakeRecorder{},
	}
	f.store = NewStore(StoreOptions{KV: f.kv, Clock: f.clock, ClientID: "client-1"})
	f.updates = NewOptimisticManager(f.store, DefaultOptimisticConfig(), ManagerOptions{
		Queue:    f.queue,
		Recorder: f.rec,
	})
	f.conflicts = NewConflictResolver(f.store, DefaultConflictConfig(), ResolverOptions{
		Queue:    f.queue,
		Recorder: f.rec,
	})

	compressor, err := cache.NewCompressor(cache.DefaultCompressorConfig())
	require.NoError(t, err)
	f.backups, err = NewBackupManager(f.store, BackupConfig{MaxBackups: 10, Persist: true}, BackupOptions{
		KV:         f.kv,
		Compressor: compressor,
		Recorder:   f.rec,
	})
	require.NoError(t, err)
	return f
}

// put stores a synced entity stamped with the current clock
func (f *fixture) put(t *testing.T, entityType, id string, data Fields) {
	t.Helper()
	require.NoError(t, f.store.Put(f.ctx, &Entity{
		ID:         id,
		Type:       entityType,
		Data:       data,
		Version:    1,
		SyncStatus: StatusSynced,
	}))
}

func (f *fixture) get(t *testing.T, entityType, id string) *Entity {
	t.Helper()
	e, ok := f.store.Get(entityType, id)
	require.True(t, ok, "entity %s:%s should exist", entityType, id)
	return e
}
