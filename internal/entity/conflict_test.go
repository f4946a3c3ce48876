package entity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durastore/durastore/internal/scheduler"
	"github.com/durastore/durastore/pkg/errors"
	"github.com/durastore/durastore/pkg/types"
)

func TestConflictCoverage(t *testing.T) {
	f := newFixture(t)
	f.put(t, "doc", "1", Fields{"a": float64(1), "b": float64(2)})

	conflicts, err := f.conflicts.HandleDataConflict(f.ctx, "1", "doc",
		map[string]interface{}{"a": 1, "b": 3}, epoch.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "b", conflicts[0].Field)
	assert.Equal(t, float64(2), conflicts[0].LocalValue)
	assert.Equal(t, float64(3), conflicts[0].ServerValue)
	assert.Equal(t, ResolutionPending, conflicts[0].Resolution)
	assert.Equal(t, StatusConflict, f.get(t, "doc", "1").SyncStatus)
	assert.Len(t, f.rec.named(EventConflictDetected), 1)

	require.NoError(t, f.conflicts.ResolveConflict(f.ctx, "1", "doc", "b", StrategyServerWins, nil))

	e := f.get(t, "doc", "1")
	assert.Equal(t, Fields{"a": float64(1), "b": float64(3)}, e.Data)
	assert.Equal(t, int64(2), e.Version)
	assert.Equal(t, StatusPending, e.SyncStatus)
	assert.Empty(t, f.conflicts.Conflicts("doc", "1"))
	assert.Zero(t, f.conflicts.PendingCount())

	assert.Equal(t, []types.SyncKind{types.SyncKindResolvedEntity}, f.queue.kinds())
	assert.Equal(t, int64(2), f.queue.items[0].Version)
	resolved := f.rec.named(EventConflictResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "server_wins", resolved[0].props["resolution"])
}

func TestConflictAutoResolvesNewerServer(t *testing.T) {
	f := newFixture(t)
	f.put(t, "doc", "1", Fields{"a": float64(1), "b": float64(2)})

	conflicts, err := f.conflicts.HandleDataConflict(f.ctx, "1", "doc",
		Fields{"a": float64(1), "b": float64(3)}, epoch.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ResolutionServerWins, conflicts[0].Resolution)

	e := f.get(t, "doc", "1")
	assert.Equal(t, float64(3), e.Data["b"])
	assert.Equal(t, int64(2), e.Version)
	assert.Equal(t, StatusSynced, e.SyncStatus)
	assert.Zero(t, f.conflicts.PendingCount())
	assert.Len(t, f.rec.named(EventConflictAutoResolved), 1)
	assert.Empty(t, f.rec.named(EventConflictDetected))
}

func TestAutoResolveMarginIsConfigurable(t *testing.T) {
	tests := []struct {
		name     string
		margin   time.Duration
		serverAt time.Duration
		wantAuto bool
	}{
		{"default margin exceeded", 60 * time.Second, 61 * time.Second, true},
		{"default margin not exceeded", 60 * time.Second, 60 * time.Second, false},
		{"wide margin", 10 * time.Minute, 2 * time.Minute, false},
		{"zero margin", 0, time.Millisecond, true},
		{"older server never auto resolves", 0, -time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			cfg := DefaultConflictConfig()
			cfg.AutoResolveMargin = tt.margin
			r := NewConflictResolver(f.store, cfg, ResolverOptions{})
			f.put(t, "doc", "1", Fields{"a": "local"})

			conflicts, err := r.HandleDataConflict(f.ctx, "1", "doc", Fields{"a": "server"}, epoch.Add(tt.serverAt))
			require.NoError(t, err)
			require.Len(t, conflicts, 1)
			if tt.wantAuto {
				assert.Equal(t, ResolutionServerWins, conflicts[0].Resolution)
				assert.Zero(t, r.PendingCount())
			} else {
				assert.Equal(t, ResolutionPending, conflicts[0].Resolution)
				assert.Equal(t, 1, r.PendingCount())
			}
		})
	}
}

func TestHandleDataWithoutDiffs(t *testing.T) {
	f := newFixture(t)
	f.put(t, "doc", "1", Fields{"a": float64(1)})
	_, err := f.updates.Create(f.ctx, "1", "doc", OpUpdate, Fields{"a": float64(1)})
	require.NoError(t, err)

	conflicts, err := f.conflicts.HandleDataConflict(f.ctx, "1", "doc", Fields{"a": float64(1)}, epoch)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Equal(t, StatusSynced, f.get(t, "doc", "1").SyncStatus)
}

func TestHandleDataForUnknownEntity(t *testing.T) {
	f := newFixture(t)

	conflicts, err := f.conflicts.HandleDataConflict(f.ctx, "9", "doc", Fields{"a": "remote"}, epoch)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	e := f.get(t, "doc", "9")
	assert.Equal(t, StatusSynced, e.SyncStatus)
	assert.Equal(t, "remote", e.Data["a"])

	raw, err := f.kv.Get(f.ctx, "entity/doc/9")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "remote")
}

func TestResolveStrategies(t *testing.T) {
	f := newFixture(t)
	f.put(t, "doc", "1", Fields{
		"title": "Local title longer",
		"count": float64(5),
		"tags":  []interface{}{"a"},
		"flag":  true,
		"old":   "x",
	})

	conflicts, err := f.conflicts.HandleDataConflict(f.ctx, "1", "doc", Fields{
		"title": "Server",
		"count": float64(9),
		"tags":  []interface{}{"b"},
		"flag":  false,
		"new":   "y",
	}, epoch)
	require.NoError(t, err)
	require.Len(t, conflicts, 6)

	steps := []struct {
		field    string
		strategy Strategy
		value    interface{}
	}{
		{"title", StrategyMerge, nil},
		{"count", StrategyLocalWins, nil},
		{"tags", StrategyMerge, nil},
		{"flag", StrategyManual, true},
		{"old", StrategyServerWins, nil},
	}
	for _, step := range steps {
		require.NoError(t, f.conflicts.ResolveConflict(f.ctx, "1", "doc", step.field, step.strategy, step.value), step.field)
		assert.Equal(t, StatusConflict, f.get(t, "doc", "1").SyncStatus, "still conflicted after %s", step.field)
	}

	require.NoError(t, f.conflicts.ResolveConflict(f.ctx, "1", "doc", "new", StrategyLocalWins, nil))

	e := f.get(t, "doc", "1")
	assert.Equal(t, StatusPending, e.SyncStatus)
	assert.Equal(t, Fields{
		"title": "Local title longer",
		"count": float64(5),
		"tags":  []interface{}{"a", "b"},
		"flag":  true,
	}, e.Data)
	assert.Equal(t, int64(7), e.Version)
	assert.Len(t, f.queue.items, 6)
}

func TestResolveConflictErrors(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.RegisterSchema("doc", &Schema{
		Fields:       map[string]FieldDef{"n": {Type: TypeNumber, Max: FloatPtr(10)}},
		AllowUnknown: true,
	}))
	f.put(t, "doc", "1", Fields{"n": float64(1)})
	_, err := f.conflicts.HandleDataConflict(f.ctx, "1", "doc", Fields{"n": float64(2)}, epoch)
	require.NoError(t, err)

	tests := []struct {
		name     string
		field    string
		strategy Strategy
		value    interface{}
		code     errors.ErrorCode
	}{
		{"manual without value", "n", StrategyManual, nil, errors.ErrCodeValidationFailed},
		{"unknown strategy", "n", Strategy("coin_flip"), nil, errors.ErrCodeValidationFailed},
		{"no such field", "zzz", StrategyServerWins, nil, errors.ErrCodeConflictNotFound},
		{"manual value fails schema", "n", StrategyManual, 50, errors.ErrCodeSchemaValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.conflicts.ResolveConflict(f.ctx, "1", "doc", tt.field, tt.strategy, tt.value)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}

	// failed attempts leave the conflict in place
	assert.Len(t, f.conflicts.Conflicts("doc", "1"), 1)
	assert.Equal(t, int64(1), f.get(t, "doc", "1").Version)

	require.NoError(t, f.conflicts.ResolveConflict(f.ctx, "1", "doc", "n", StrategyManual, 7))
	assert.Equal(t, float64(7), f.get(t, "doc", "1").Data["n"])
}

func TestResolveAfterEntityRemoved(t *testing.T) {
	f := newFixture(t)
	f.put(t, "doc", "1", Fields{"a": "l"})
	_, err := f.conflicts.HandleDataConflict(f.ctx, "1", "doc", Fields{"a": "s"}, epoch)
	require.NoError(t, err)

	_, err = f.store.Delete(f.ctx, "doc", "1")
	require.NoError(t, err)

	err = f.conflicts.ResolveConflict(f.ctx, "1", "doc", "a", StrategyServerWins, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeEntityNotFound))
	assert.Zero(t, f.conflicts.PendingCount())
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	f.put(t, "doc", "1", Fields{"a": "l", "b": "l"})
	_, err := f.conflicts.HandleDataConflict(f.ctx, "1", "doc", Fields{"a": "s", "b": "s"}, epoch)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	f.put(t, "doc", "2", Fields{"a": "l"})
	_, err = f.conflicts.HandleDataConflict(f.ctx, "2", "doc", Fields{"a": "s"}, f.clock.Now())
	require.NoError(t, err)

	f.clock.Advance(11 * time.Minute)
	assert.Equal(t, 2, f.conflicts.SweepExpired(f.ctx))

	e := f.get(t, "doc", "1")
	assert.Equal(t, Fields{"a": "s", "b": "s"}, e.Data)
	assert.Equal(t, StatusPending, e.SyncStatus)
	assert.Len(t, f.rec.named(EventConflictAutoResolved), 2)

	remaining := f.conflicts.AllConflicts()
	require.Len(t, remaining, 1)
	assert.Equal(t, "2", remaining[0].EntityID)
}

func TestSweepRunsOnSchedule(t *testing.T) {
	f := newFixture(t)
	sched := scheduler.NewManual(f.clock)
	stop := f.conflicts.Start(sched)
	defer stop()

	f.put(t, "doc", "1", Fields{"a": "l"})
	_, err := f.conflicts.HandleDataConflict(f.ctx, "1", "doc", Fields{"a": "s"}, epoch)
	require.NoError(t, err)

	sched.Advance(context.Background(), 29*time.Minute)
	assert.Equal(t, 1, f.conflicts.PendingCount())

	sched.Advance(context.Background(), 2*time.Minute)
	assert.Zero(t, f.conflicts.PendingCount())
	assert.Equal(t, "s", f.get(t, "doc", "1").Data["a"])
}

func TestNewConflictsReplaceStaleOnes(t *testing.T) {
	f := newFixture(t)
	f.put(t, "doc", "1", Fields{"a": "l", "b": "l"})

	_, err := f.conflicts.HandleDataConflict(f.ctx, "1", "doc", Fields{"a": "s1", "b": "s1"}, epoch)
	require.NoError(t, err)
	require.Equal(t, 2, f.conflicts.PendingCount())

	_, err = f.conflicts.HandleDataConflict(f.ctx, "1", "doc", Fields{"a": "s2", "b": "l"}, epoch)
	require.NoError(t, err)

	cs := f.conflicts.Conflicts("doc", "1")
	require.Len(t, cs, 1)
	assert.Equal(t, "a", cs[0].Field)
	assert.Equal(t, "s2", cs[0].ServerValue)
}
