package entity

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// SyncStatus is where an entity stands relative to the remote store
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
	StatusError    SyncStatus = "error"
)

// Fields is an entity payload. Values are kept in their JSON form
// (string, float64, bool, nil, []interface{}, map[string]interface{}) so
// payloads compare with reflect.DeepEqual.
type Fields map[string]interface{}

// NormalizeFields converts a map or struct into Fields through a JSON round
// trip
func NormalizeFields(v interface{}) (Fields, error) {
	if v == nil {
		return Fields{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON encodable: %w", err)
	}
	var out Fields
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if out == nil {
		out = Fields{}
	}
	return out, nil
}

// normalizeValue brings a single value into JSON form
func normalizeValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON encodable: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Clone returns a deep copy
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case Fields:
		return t.Clone()
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// Equal reports deep equality
func (f Fields) Equal(other Fields) bool {
	if len(f) != len(other) {
		return false
	}
	return reflect.DeepEqual(map[string]interface{}(f), map[string]interface{}(other))
}

// Keys returns the field names, sorted
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entity is a versioned, schema-validated record owned by one client
type Entity struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Data         Fields     `json:"data"`
	Version      int64      `json:"version"`
	LastModified time.Time  `json:"last_modified"`
	Checksum     string     `json:"checksum"`
	SyncStatus   SyncStatus `json:"sync_status"`
	ClientID     string     `json:"client_id,omitempty"`

	// Deleted marks a pending optimistic delete so it can be rolled back
	Deleted bool `json:"__deleted,omitempty"`
}

// Clone returns a deep copy
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Data = e.Data.Clone()
	return &c
}

// Key returns the entity's map key
func (e *Entity) Key() string {
	return entityKey(e.Type, e.ID)
}

// touch refreshes the modification time and checksum after a data change
func (e *Entity) touch(now time.Time) {
	e.LastModified = now
	e.Checksum = DataChecksum(e.Data)
}

func entityKey(entityType, id string) string {
	return entityType + ":" + id
}

// StoragePrefix namespaces entity records in the persistence medium
const StoragePrefix = "entity/"

func storageKey(entityType, id string) string {
	return StoragePrefix + entityType + "/" + id
}

// DataChecksum returns the xxhash64 of the payload's canonical JSON.
// encoding/json sorts map keys, so equal payloads hash equally.
func DataChecksum(f Fields) string {
	data, err := json.Marshal(f)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// SnapshotChecksum hashes a whole entity map in canonical form
func SnapshotChecksum(entities map[string]*Entity) string {
	data, err := json.Marshal(entities)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

func cloneSnapshot(entities map[string]*Entity) map[string]*Entity {
	out := make(map[string]*Entity, len(entities))
	for k, e := range entities {
		out[k] = e.Clone()
	}
	return out
}
