package types

import (
	"time"
)

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits              uint64  `json:"hits"`
	Misses            uint64  `json:"misses"`
	Evictions         uint64  `json:"evictions"`
	Demotions         uint64  `json:"demotions"`
	Promotions        uint64  `json:"promotions"`
	IntegrityFailures uint64  `json:"integrity_failures"`
	AllocationDenied  uint64  `json:"allocation_denied"`
	Entries           int     `json:"entries"`
	DiskEntries       int     `json:"disk_entries"`
	Size              int64   `json:"size"`
	Capacity          int64   `json:"capacity"`
	BytesSaved        int64   `json:"bytes_saved"`
	HitRate           float64 `json:"hit_rate"`
	Utilization       float64 `json:"utilization"`
}

// PoolStats is a point-in-time view of a memory pool's counters
type PoolStats struct {
	Available   int64   `json:"available"`
	Used        int64   `json:"used"`
	Reserved    int64   `json:"reserved"`
	Usable      int64   `json:"usable"`
	GCTrigger   float64 `json:"gc_trigger"`
	Utilization float64 `json:"utilization"`
	Denied      uint64  `json:"denied"`
}

// SyncKind identifies what a queued sync item carries
type SyncKind string

const (
	SyncKindOptimisticUpdate SyncKind = "optimistic_update"
	SyncKindResolvedEntity   SyncKind = "resolved_entity"
)

// SyncItem is a unit of work handed to the remote sync transport
type SyncItem struct {
	ID         string                 `json:"id"`
	Kind       SyncKind               `json:"kind"`
	EntityID   string                 `json:"entity_id"`
	EntityType string                 `json:"entity_type"`
	UpdateID   string                 `json:"update_id,omitempty"`
	Operation  string                 `json:"operation,omitempty"`
	Version    int64                  `json:"version"`
	Data       map[string]interface{} `json:"data,omitempty"`
	QueuedAt   time.Time              `json:"queued_at"`
}
