package types

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by KVStore.Get when the key does not exist
var ErrKeyNotFound = errors.New("key not found")

// KVStore is the byte-oriented persistence medium. Implementations only
// guarantee single-key atomicity.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// EventRecorder receives named state-transition events. Implementations
// must not block the caller.
type EventRecorder interface {
	Record(name string, props map[string]interface{})
}

// SyncQueue accepts items for eventual delivery to the remote store.
// Enqueue is fire-and-forget and reports whether the item was accepted.
type SyncQueue interface {
	Enqueue(item SyncItem) bool
}

// Clock abstracts wall-clock time
type Clock interface {
	Now() time.Time
}

// Task is a unit of periodic background work
type Task func(ctx context.Context)

// Scheduler runs named tasks on fixed intervals. A fire while the same task
// is still running must be skipped.
type Scheduler interface {
	Schedule(name string, interval time.Duration, task Task) (cancel func())
}

// NopRecorder discards events
type NopRecorder struct{}

// Record implements EventRecorder
func (NopRecorder) Record(string, map[string]interface{}) {}

// NopQueue accepts and discards sync items
type NopQueue struct{}

// Enqueue implements SyncQueue
func (NopQueue) Enqueue(SyncItem) bool { return true }
