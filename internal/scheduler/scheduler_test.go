package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durastore/durastore/pkg/types"
)

var (
	_ types.Scheduler = (*Ticker)(nil)
	_ types.Scheduler = (*Manual)(nil)
	_ types.Clock     = (*ManualClock)(nil)
	_ types.Clock     = SystemClock{}
)

func TestManualClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start.Add(time.Second), clock.Advance(time.Second))

	later := start.Add(time.Hour)
	clock.Set(later)
	assert.Equal(t, later, clock.Now())
}

func TestManualAdvanceFiresPerInterval(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	sched := NewManual(clock)

	var fired []time.Time
	sched.Schedule("gc", 10*time.Second, func(ctx context.Context) {
		fired = append(fired, clock.Now())
	})

	sched.Advance(context.Background(), 5*time.Second)
	assert.Empty(t, fired)

	sched.Advance(context.Background(), 30*time.Second)
	require.Len(t, fired, 3)
	assert.Equal(t, time.Unix(10, 0), fired[0])
	assert.Equal(t, time.Unix(30, 0), fired[2])
	assert.Equal(t, time.Unix(35, 0), clock.Now())
}

func TestManualCancel(t *testing.T) {
	sched := NewManual(NewManualClock(time.Unix(0, 0)))

	runs := 0
	cancel := sched.Schedule("sweep", time.Second, func(context.Context) { runs++ })
	assert.Equal(t, []string{"sweep"}, sched.Names())

	cancel()
	sched.Advance(context.Background(), 10*time.Second)
	assert.Zero(t, runs)
	assert.False(t, sched.Fire(context.Background(), "sweep"))
}

func TestManualFireIsReentrancyGuarded(t *testing.T) {
	sched := NewManual(NewManualClock(time.Unix(0, 0)))

	var inner bool
	sched.Schedule("backup", time.Minute, func(ctx context.Context) {
		inner = sched.Fire(ctx, "backup")
	})

	assert.True(t, sched.Fire(context.Background(), "backup"))
	assert.False(t, inner, "nested fire of a running task must be skipped")

	stats := sched.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(1), stats[0].Runs)
	assert.Equal(t, uint64(1), stats[0].Skipped)
}

func TestTickerRunsAndStops(t *testing.T) {
	sched := NewTicker(nil)

	var runs atomic.Int32
	sched.Schedule("pressure", 10*time.Millisecond, func(context.Context) {
		runs.Add(1)
	})

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)

	sched.Stop()
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load())

	// scheduling after Stop is a no-op
	cancel := sched.Schedule("late", time.Millisecond, func(context.Context) { runs.Add(100) })
	cancel()
	assert.Empty(t, sched.Stats())
}

func TestTickerSkipsOverlappingRuns(t *testing.T) {
	sched := NewTicker(nil)
	defer sched.Stop()

	release := make(chan struct{})
	var concurrent, maxConcurrent atomic.Int32
	var once sync.Once

	sched.Schedule("slow", time.Hour, func(context.Context) {
		n := concurrent.Add(1)
		if n > maxConcurrent.Load() {
			maxConcurrent.Store(n)
		}
		<-release
		concurrent.Add(-1)
	})

	require.True(t, sched.Trigger("slow"))
	assert.Eventually(t, func() bool { return concurrent.Load() == 1 }, time.Second, time.Millisecond)

	// the loop goroutine is busy; a queued trigger waits, a second is dropped
	assert.True(t, sched.Trigger("slow"))
	assert.False(t, sched.Trigger("slow"))

	once.Do(func() { close(release) })
	assert.Eventually(t, func() bool {
		stats := sched.Stats()
		return len(stats) == 1 && stats[0].Runs == 2 && !stats[0].Running
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), maxConcurrent.Load())
	assert.False(t, sched.Trigger("missing"))
}
