/*
Package scheduler runs the periodic background work of durastore (cache GC,
memory-pressure checks, conflict sweeps, periodic backups) behind the
types.Scheduler and types.Clock interfaces.

Two implementations are provided:

  - Ticker drives tasks from wall-clock tickers, one goroutine per task.
  - Manual drives tasks from a ManualClock; tests call Advance to move time
    forward and fire every task whose interval has elapsed.

Both guard each task against re-entrancy: a fire that arrives while the
same task is still running is dropped.

Example:

	sched := scheduler.NewTicker(logger)
	defer sched.Stop()

	cancel := sched.Schedule("cache-gc", time.Minute, store.CollectGarbage)
	defer cancel()
*/
package scheduler
