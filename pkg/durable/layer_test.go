package durable

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durastore/durastore/internal/cache"
	"github.com/durastore/durastore/internal/config"
	"github.com/durastore/durastore/internal/entity"
	"github.com/durastore/durastore/internal/outbox"
	"github.com/durastore/durastore/internal/scheduler"
	"github.com/durastore/durastore/internal/storage/memkv"
	"github.com/durastore/durastore/pkg/errors"
	"github.com/durastore/durastore/pkg/types"
	"github.com/durastore/durastore/pkg/utils"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedTransport answers every item with the ack built by reply
type scriptedTransport struct {
	mu    sync.Mutex
	sent  []types.SyncItem
	reply func(item types.SyncItem) outbox.Ack
}

func (s *scriptedTransport) Send(_ context.Context, items []types.SyncItem) ([]outbox.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, items...)
	if s.reply == nil {
		return nil, nil
	}
	acks := make([]outbox.Ack, 0, len(items))
	for _, item := range items {
		acks = append(acks, s.reply(item))
	}
	return acks, nil
}

func (s *scriptedTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestLayer(t *testing.T, cfg *config.Configuration, transport outbox.Transport) (*Layer, *scheduler.Manual) {
	t.Helper()
	if cfg == nil {
		cfg = config.NewDefault()
	}
	clock := scheduler.NewManualClock(epoch)
	sched := scheduler.NewManual(clock)

	opts := Options{
		Transport: transport,
		Scheduler: sched,
		Clock:     clock,
		Logger:    utils.NewNopLogger(),
	}
	if cfg.Storage.Backend == config.BackendMemory {
		opts.KV = memkv.New()
	}
	l, err := New(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = l.Close(context.Background()) })
	return l, sched
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Cache.MemoryBudget = "nope"

	_, err := New(context.Background(), cfg, Options{Logger: utils.NewNopLogger()})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig), "got %v", err)
}

func TestNew_StorageOpenFailure(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Storage.Backend = config.BackendRedis
	cfg.Storage.Redis.Addr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := New(ctx, cfg, Options{Logger: utils.NewNopLogger()})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig), "got %v", err)
}

func TestLayerLifecycle(t *testing.T) {
	l, sched := newTestLayer(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, l.Start(ctx))
	err := l.Start(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyStarted))

	assert.ElementsMatch(t, []string{
		cache.TaskGC, cache.TaskPressure,
		entity.TaskPrune,
	}, filterTasks(sched.Names(), cache.TaskGC, cache.TaskPressure, entity.TaskPrune))

	assert.True(t, l.Cache.Set(ctx, "profile:42", []byte("hello"), cache.SetOptions{}))
	got, ok := l.Cache.Get(ctx, "profile:42", cache.GetOptions{})
	require.True(t, ok)
	assert.Equal(t, "hello", string(got))

	remaining, err := l.Close(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
	assert.Empty(t, sched.Names(), "closing unregisters every task")

	remaining, err = l.Close(ctx)
	assert.NoError(t, err)
	assert.Nil(t, remaining)

	err = l.Start(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
}

func filterTasks(names []string, want ...string) []string {
	keep := make(map[string]bool, len(want))
	for _, w := range want {
		keep[w] = true
	}
	var out []string
	for _, n := range names {
		if keep[n] {
			out = append(out, n)
		}
	}
	return out
}

func TestWithoutTransportUpdatesStayPending(t *testing.T) {
	l, _ := newTestLayer(t, nil, nil)
	ctx := context.Background()

	id, err := l.Updates.Create(ctx, "n1", "note", entity.OpCreate, map[string]interface{}{"title": "draft"})
	require.NoError(t, err)

	assert.Equal(t, 0, l.Flush(ctx))
	u, ok := l.Updates.Get(id)
	require.True(t, ok)
	assert.Equal(t, entity.UpdatePending, u.State())
	assert.Nil(t, l.Stats().Outbox)
}

func TestDeliveredUpdateIsCommitted(t *testing.T) {
	transport := &scriptedTransport{reply: func(item types.SyncItem) outbox.Ack {
		return outbox.Ack{ItemID: item.ID, Data: map[string]interface{}{"title": "draft", "rev": 1.0}}
	}}
	l, _ := newTestLayer(t, nil, transport)
	ctx := context.Background()

	id, err := l.Updates.Create(ctx, "n1", "note", entity.OpCreate, map[string]interface{}{"title": "draft"})
	require.NoError(t, err)
	assert.Equal(t, 1, l.Outbox.Len())

	assert.Equal(t, 1, l.Flush(ctx))
	assert.Equal(t, 1, transport.count())

	u, ok := l.Updates.Get(id)
	require.True(t, ok)
	assert.Equal(t, entity.UpdateCommitted, u.State())

	e, ok := l.Entities.Get("note", "n1")
	require.True(t, ok)
	assert.Equal(t, entity.StatusSynced, e.SyncStatus)
	assert.Equal(t, 1.0, e.Data["rev"], "server copy adopted")
}

func TestRejectedUpdateIsRolledBack(t *testing.T) {
	transport := &scriptedTransport{reply: func(item types.SyncItem) outbox.Ack {
		return outbox.Ack{ItemID: item.ID, Err: errors.NewError(errors.ErrCodeRemoteRejected, "forbidden")}
	}}
	l, _ := newTestLayer(t, nil, transport)
	ctx := context.Background()

	id, err := l.Updates.Create(ctx, "n1", "note", entity.OpCreate, map[string]interface{}{"title": "draft"})
	require.NoError(t, err)

	l.Flush(ctx)

	u, ok := l.Updates.Get(id)
	require.True(t, ok)
	assert.Equal(t, entity.UpdateFailed, u.State())
	_, ok = l.Entities.Get("note", "n1")
	assert.False(t, ok, "rolled back create removes the entity")

	stats := l.Stats()
	require.NotNil(t, stats.Outbox)
	assert.Equal(t, int64(1), stats.Outbox.Rejected)
}

func TestConflictRejectionKeepsLocalChange(t *testing.T) {
	transport := &scriptedTransport{reply: func(item types.SyncItem) outbox.Ack {
		return outbox.Ack{
			ItemID:          item.ID,
			Data:            map[string]interface{}{"title": "server"},
			ServerTimestamp: epoch,
			Err:             errors.NewError(errors.ErrCodeConflictUnresolved, "stale version"),
		}
	}}
	l, _ := newTestLayer(t, nil, transport)
	ctx := context.Background()

	id, err := l.Updates.Create(ctx, "n1", "note", entity.OpCreate, map[string]interface{}{"title": "local"})
	require.NoError(t, err)

	l.Flush(ctx)

	u, ok := l.Updates.Get(id)
	require.True(t, ok)
	assert.True(t, u.Terminal())

	e, ok := l.Entities.Get("note", "n1")
	require.True(t, ok)
	assert.Equal(t, entity.StatusConflict, e.SyncStatus)
	assert.Equal(t, "local", e.Data["title"])

	conflicts := l.Conflicts.Conflicts("note", "n1")
	require.Len(t, conflicts, 1)
	assert.Equal(t, "title", conflicts[0].Field)
	assert.Equal(t, "server", conflicts[0].ServerValue)
	assert.Equal(t, 1, l.Stats().PendingConflicts)
}

func TestHandleDataConflictOutsideOutbox(t *testing.T) {
	l, _ := newTestLayer(t, nil, nil)
	ctx := context.Background()

	conflicts, err := l.HandleDataConflict(ctx, "n9", "note", map[string]interface{}{"title": "pushed"}, epoch)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	e, ok := l.Entities.Get("note", "n9")
	require.True(t, ok)
	assert.Equal(t, "pushed", e.Data["title"])
}

func TestStatePersistsAcrossLayers(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Storage.Backend = config.BackendSQLite
	cfg.Storage.Path = filepath.Join(t.TempDir(), "durastore.db")
	ctx := context.Background()

	first, _ := newTestLayer(t, cfg, nil)
	require.NoError(t, first.Start(ctx))
	require.NoError(t, first.Entities.Put(ctx, &entity.Entity{
		ID:   "n1",
		Type: "note",
		Data: entity.Fields{"title": "kept"},
	}))
	_, err := first.Backups.CreateBackup(ctx, map[string]string{"reason": "test"})
	require.NoError(t, err)
	_, err = first.Close(ctx)
	require.NoError(t, err)

	second, _ := newTestLayer(t, cfg, nil)
	require.NoError(t, second.Start(ctx))
	defer second.Close(ctx)

	e, ok := second.Entities.Get("note", "n1")
	require.True(t, ok)
	assert.Equal(t, "kept", e.Data["title"])
	assert.Equal(t, 1, second.Backups.Len())
}

func TestSchemaRegisteredThroughLayer(t *testing.T) {
	l, _ := newTestLayer(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, l.RegisterSchema("note", &entity.Schema{
		Fields: map[string]entity.FieldDef{
			"title": {Type: entity.TypeString, Required: true},
		},
	}))

	_, err := l.Updates.Create(ctx, "n1", "note", entity.OpCreate, map[string]interface{}{"body": "x"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeSchemaValidation), "got %v", err)
}

func TestSetLogLevel(t *testing.T) {
	l, _ := newTestLayer(t, nil, nil)

	assert.NoError(t, l.SetLogLevel("debug"))
	err := l.SetLogLevel("chatty")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))

	cfg := config.NewDefault()
	cfg.Global.LogLevel = "WARN"
	assert.NoError(t, l.Reload(cfg))
}

func TestCloseReturnsUndeliveredItems(t *testing.T) {
	transport := outbox.TransportFunc(func(context.Context, []types.SyncItem) ([]outbox.Ack, error) {
		return nil, errors.NewError(errors.ErrCodeNetworkError, "offline")
	})
	cfg := config.NewDefault()
	cfg.Outbox.Retry.MaxAttempts = 1
	l, _ := newTestLayer(t, cfg, transport)
	ctx := context.Background()

	_, err := l.Updates.Create(ctx, "n1", "note", entity.OpCreate, map[string]interface{}{"title": "a"})
	require.NoError(t, err)

	remaining, err := l.Close(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "n1", remaining[0].EntityID)
}
