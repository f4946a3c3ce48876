package cache

import (
	"context"
	"sort"
	"time"

	"github.com/durastore/durastore/pkg/memmon"
	"github.com/durastore/durastore/pkg/types"
)

// Scheduled task names
const (
	TaskGC       = "cache-gc"
	TaskPressure = "cache-memory-pressure"
)

// GCResult summarizes one garbage collection pass
type GCResult struct {
	MemoryPurged int
	DiskPurged   int
	FreedBytes   int64
	Repacked     int
	Skipped      bool
	Duration     time.Duration
}

// CollectGarbage purges expired entries from both tiers and then repacks
// the memory tier. A call made while another pass runs returns at once
// with Skipped set.
func (s *Store) CollectGarbage(ctx context.Context) GCResult {
	if !s.gcRunning.CompareAndSwap(false, true) {
		return GCResult{Skipped: true}
	}
	defer s.gcRunning.Store(false)

	start := time.Now()
	now := s.clock.Now()
	var result GCResult

	s.mu.Lock()
	var expired []string
	for key, e := range s.entries {
		if e.Expired(now) {
			expired = append(expired, key)
		}
	}
	// version each purged key reached; disk records below it are stale
	superseded := make(map[string]int64, len(expired))
	for _, key := range expired {
		if e := s.removeLocked(key); e != nil {
			result.FreedBytes += e.Size
			result.MemoryPurged++
			superseded[key] = s.versions[key]
		}
	}
	s.mu.Unlock()

	if s.disk != nil {
		purge := make(map[string]struct{}, len(expired))
		for key := range superseded {
			purge[key] = struct{}{}
		}
		for _, key := range s.disk.Expired(now) {
			purge[key] = struct{}{}
		}
		for key := range purge {
			// entries are purged one at a time; stop between them on cancel
			if ctx.Err() != nil {
				break
			}
			below := superseded[key]
			// a Set since the listing may have rewritten the record
			if s.dropDiskIf(ctx, key, func(m diskMeta) bool {
				return m.Version < below || m.expired(now)
			}) {
				result.DiskPurged++
			}
		}
	}

	result.Repacked = s.Defragment()
	result.Duration = time.Since(start)

	if result.MemoryPurged > 0 || result.DiskPurged > 0 {
		s.logger.Debug("Garbage collection completed", map[string]interface{}{
			"memory_purged": result.MemoryPurged,
			"disk_purged":   result.DiskPurged,
			"freed_bytes":   result.FreedBytes,
			"duration":      result.Duration.String(),
		})
	}
	s.recorder.Record(EventGC, map[string]interface{}{
		"memory_purged": result.MemoryPurged,
		"disk_purged":   result.DiskPurged,
		"freed_bytes":   result.FreedBytes,
	})
	return result
}

// Defragment rebuilds the memory tier, copying values largest first into
// fresh slices, and re-derives pool usage from the entries it holds. It
// returns the number of entries repacked.
func (s *Store) Defragment() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Size != list[j].Size {
			return list[i].Size > list[j].Size
		}
		return list[i].Key < list[j].Key
	})

	packed := make(map[string]*Entry, len(list))
	var used int64
	for _, e := range list {
		c := *e
		c.Value = append(make([]byte, 0, len(e.Value)), e.Value...)
		packed[c.Key] = &c
		used += c.Size
	}
	s.entries = packed
	s.pool.Reset(used)
	return len(list)
}

// CheckMemoryPressure runs a GC pass when pool utilization is at or above
// the pressure threshold. It reports whether GC ran.
func (s *Store) CheckMemoryPressure(ctx context.Context) bool {
	return s.pressure.Check(ctx)
}

// PressureStats returns the pressure monitor history
func (s *Store) PressureStats() memmon.Stats {
	return s.pressure.GetStats()
}

// Start registers the GC sweep and the pressure monitor with sched. The
// returned function unregisters both.
func (s *Store) Start(sched types.Scheduler) func() {
	var cancels []func()
	if s.config.GCInterval > 0 {
		cancels = append(cancels, sched.Schedule(TaskGC, s.config.GCInterval, func(ctx context.Context) {
			s.CollectGarbage(ctx)
		}))
	}
	if s.config.PressureInterval > 0 {
		cancels = append(cancels, sched.Schedule(TaskPressure, s.config.PressureInterval, func(ctx context.Context) {
			s.CheckMemoryPressure(ctx)
		}))
	}

	s.logger.Info("Cache maintenance scheduled", map[string]interface{}{
		"gc_interval":       s.config.GCInterval.String(),
		"pressure_interval": s.config.PressureInterval.String(),
	})

	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}
