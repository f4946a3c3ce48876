package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/durastore/durastore/pkg/types"
	"github.com/durastore/durastore/pkg/utils"
)

// Ticker is a wall-clock scheduler. Each scheduled task gets its own
// goroutine and time.Ticker; Stop cancels every task and waits for them.
type Ticker struct {
	logger *utils.StructuredLogger

	mu      sync.Mutex
	tasks   map[string]*tickerTask
	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
	stopped bool
}

type tickerTask struct {
	guard   *guardedTask
	trigger chan struct{}
	cancel  context.CancelFunc
}

// NewTicker creates a running wall-clock scheduler
func NewTicker(logger *utils.StructuredLogger) *Ticker {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ticker{
		logger: logger.WithComponent("scheduler"),
		tasks:  make(map[string]*tickerTask),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule implements types.Scheduler. Scheduling a name that already
// exists replaces the previous task.
func (t *Ticker) Schedule(name string, interval time.Duration, task types.Task) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || interval <= 0 {
		return func() {}
	}
	if old, ok := t.tasks[name]; ok {
		old.cancel()
	}

	ctx, cancel := context.WithCancel(t.ctx)
	tt := &tickerTask{
		guard:   &guardedTask{name: name, task: task},
		trigger: make(chan struct{}, 1),
		cancel:  cancel,
	}
	t.tasks[name] = tt

	t.wg.Go(func() { t.loop(ctx, interval, tt) })

	t.logger.Debug("Task scheduled", map[string]interface{}{
		"task":     name,
		"interval": interval.String(),
	})

	return func() {
		t.mu.Lock()
		if cur, ok := t.tasks[name]; ok && cur == tt {
			delete(t.tasks, name)
		}
		t.mu.Unlock()
		cancel()
	}
}

func (t *Ticker) loop(ctx context.Context, interval time.Duration, tt *tickerTask) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-tt.trigger:
		}
		tt.guard.run(ctx)
	}
}

// Trigger asks a task to run now. It returns false if the task is unknown
// or a run is already queued.
func (t *Ticker) Trigger(name string) bool {
	t.mu.Lock()
	tt, ok := t.tasks[name]
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case tt.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Stats returns per-task run counters sorted by name
func (t *Ticker) Stats() []TaskStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TaskStats, 0, len(t.tasks))
	for _, tt := range t.tasks {
		out = append(out, tt.guard.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop cancels all tasks and waits for running ones to return
func (t *Ticker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.tasks = make(map[string]*tickerTask)
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	t.logger.Debug("Scheduler stopped", nil)
}
