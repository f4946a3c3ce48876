package cache

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders entries for eviction. Lower values are evicted first;
// PriorityCritical is never evicted.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority name
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityMedium, fmt.Errorf("invalid priority: %s", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Tier names where an entry currently lives
type Tier string

const (
	TierMemory Tier = "memory"
	TierDisk   Tier = "disk"
)

// Entry is a cached value plus its bookkeeping. Value holds the bytes
// actually stored (compressed when Compressed is set) and Size is their
// length. Checksum covers the uncompressed bytes.
type Entry struct {
	Key          string    `json:"key"`
	Value        []byte    `json:"value"`
	Timestamp    time.Time `json:"timestamp"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Version      int64     `json:"version"`
	ETag         string    `json:"etag,omitempty"`
	Size         int64     `json:"size"`
	Priority     Priority  `json:"priority"`
	AccessCount  uint64    `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
	Compressed   bool      `json:"compressed"`
	Algorithm    string    `json:"algorithm,omitempty"`
	Checksum     string    `json:"checksum"`

	seq uint64
}

// Expired reports whether the entry is past its expiry at now. Entries
// without an expiry never expire.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// touch records an access
func (e *Entry) touch(now time.Time) {
	e.AccessCount++
	e.LastAccessed = now
}

// clone returns a deep copy
func (e *Entry) clone() *Entry {
	c := *e
	c.Value = append([]byte(nil), e.Value...)
	return &c
}

// EntryInfo is the metadata view of a cached entry
type EntryInfo struct {
	Key          string
	Tier         Tier
	Timestamp    time.Time
	ExpiresAt    time.Time
	Version      int64
	ETag         string
	Size         int64
	Priority     Priority
	AccessCount  uint64
	LastAccessed time.Time
	Compressed   bool
	Algorithm    string
	Checksum     string
}

func (e *Entry) info(tier Tier) *EntryInfo {
	return &EntryInfo{
		Key:          e.Key,
		Tier:         tier,
		Timestamp:    e.Timestamp,
		ExpiresAt:    e.ExpiresAt,
		Version:      e.Version,
		ETag:         e.ETag,
		Size:         e.Size,
		Priority:     e.Priority,
		AccessCount:  e.AccessCount,
		LastAccessed: e.LastAccessed,
		Compressed:   e.Compressed,
		Algorithm:    e.Algorithm,
		Checksum:     e.Checksum,
	}
}
