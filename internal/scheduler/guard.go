package scheduler

import (
	"context"
	"sync/atomic"

	"github.com/durastore/durastore/pkg/types"
)

// guardedTask wraps a task so that overlapping runs are skipped
type guardedTask struct {
	name    string
	task    types.Task
	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
}

// run executes the task unless it is already running. It reports whether
// the task actually ran.
func (g *guardedTask) run(ctx context.Context) bool {
	if !g.running.CompareAndSwap(false, true) {
		g.skipped.Add(1)
		return false
	}
	defer g.running.Store(false)

	g.runs.Add(1)
	g.task(ctx)
	return true
}

// TaskStats reports how often a scheduled task ran or was skipped
type TaskStats struct {
	Name    string
	Runs    uint64
	Skipped uint64
	Running bool
}

func (g *guardedTask) stats() TaskStats {
	return TaskStats{
		Name:    g.name,
		Runs:    g.runs.Load(),
		Skipped: g.skipped.Load(),
		Running: g.running.Load(),
	}
}
