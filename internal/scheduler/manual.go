package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/durastore/durastore/pkg/types"
)

// Manual is a deterministic scheduler for tests. Tasks fire only from
// Advance or Fire, synchronously on the caller's goroutine.
type Manual struct {
	clock *ManualClock

	mu    sync.Mutex
	tasks map[string]*manualTask
}

type manualTask struct {
	guard    *guardedTask
	interval time.Duration
	next     time.Time
}

// NewManual creates a scheduler bound to clock
func NewManual(clock *ManualClock) *Manual {
	return &Manual{
		clock: clock,
		tasks: make(map[string]*manualTask),
	}
}

// Clock returns the clock driving this scheduler
func (m *Manual) Clock() *ManualClock {
	return m.clock
}

// Schedule implements types.Scheduler
func (m *Manual) Schedule(name string, interval time.Duration, task types.Task) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if interval <= 0 {
		return func() {}
	}
	mt := &manualTask{
		guard:    &guardedTask{name: name, task: task},
		interval: interval,
		next:     m.clock.Now().Add(interval),
	}
	m.tasks[name] = mt

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.tasks[name]; ok && cur == mt {
			delete(m.tasks, name)
		}
	}
}

// Advance moves the clock forward by d and fires every task whose next run
// time has passed, once per elapsed interval, in time order.
func (m *Manual) Advance(ctx context.Context, d time.Duration) {
	target := m.clock.Now().Add(d)

	for {
		m.mu.Lock()
		var due *manualTask
		for _, mt := range m.tasks {
			if mt.next.After(target) {
				continue
			}
			if due == nil || mt.next.Before(due.next) ||
				(mt.next.Equal(due.next) && mt.guard.name < due.guard.name) {
				due = mt
			}
		}
		if due == nil {
			m.mu.Unlock()
			break
		}
		at := due.next
		due.next = due.next.Add(due.interval)
		m.mu.Unlock()

		if at.After(m.clock.Now()) {
			m.clock.Set(at)
		}
		due.guard.run(ctx)
	}

	m.clock.Set(target)
}

// Fire runs the named task immediately. It reports whether the task ran;
// an unknown task or one that is already running returns false.
func (m *Manual) Fire(ctx context.Context, name string) bool {
	m.mu.Lock()
	mt, ok := m.tasks[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return mt.guard.run(ctx)
}

// Names lists the scheduled task names
func (m *Manual) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.tasks))
	for name := range m.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns per-task run counters sorted by name
func (m *Manual) Stats() []TaskStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TaskStats, 0, len(m.tasks))
	for _, mt := range m.tasks {
		out = append(out, mt.guard.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
