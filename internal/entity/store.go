package entity

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/durastore/durastore/pkg/errors"
	"github.com/durastore/durastore/pkg/types"
	"github.com/durastore/durastore/pkg/utils"
)

// StoreOptions carries the entity store's collaborators
type StoreOptions struct {
	// KV persists entities; nil keeps the store in memory only
	KV       types.KVStore
	Registry *Registry
	Clock    types.Clock
	Logger   *utils.StructuredLogger

	// ClientID stamps entities created locally
	ClientID string
}

// Store owns the entity map. Each entity is mirrored to the medium under
// entity/<type>/<id>; the in-memory map is authoritative.
type Store struct {
	registry *Registry
	kv       types.KVStore
	clock    types.Clock
	logger   *utils.StructuredLogger
	clientID string

	mu       sync.RWMutex
	entities map[string]*Entity

	// serializes medium writes so the last write reflects the latest state
	persistMu sync.Mutex
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// NewStore creates an entity store
func NewStore(opts StoreOptions) *Store {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	return &Store{
		registry: opts.Registry,
		kv:       opts.KV,
		clock:    opts.Clock,
		logger:   opts.Logger.WithComponent("entity-store"),
		clientID: opts.ClientID,
		entities: make(map[string]*Entity),
	}
}

// Registry returns the schema registry
func (s *Store) Registry() *Registry {
	return s.registry
}

// RegisterSchema installs the schema used to validate entityType
func (s *Store) RegisterSchema(entityType string, schema *Schema) error {
	return s.registry.Register(entityType, schema)
}

// Validate checks data against the schema registered for entityType
func (s *Store) Validate(entityType string, data Fields) error {
	return s.registry.Validate(entityType, data)
}

// Get returns a copy of the entity. Entities pending an optimistic delete
// are hidden.
func (s *Store) Get(entityType, id string) (*Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[entityKey(entityType, id)]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Clone(), true
}

// List returns copies of the visible entities of entityType sorted by id.
// An empty entityType lists every type.
func (s *Store) List(entityType string) []*Entity {
	s.mu.RLock()
	out := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if e.Deleted || (entityType != "" && e.Type != entityType) {
			continue
		}
		out = append(out, e.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Put validates e and stores a copy of it. A zero LastModified is stamped
// with the current time and the checksum is always recomputed.
func (s *Store) Put(ctx context.Context, e *Entity) error {
	if e == nil || e.ID == "" || e.Type == "" {
		return errors.NewError(errors.ErrCodeValidationFailed, "entity id and type are required").
			WithComponent("entity-store").WithOperation("put")
	}
	if err := s.Validate(e.Type, e.Data); err != nil {
		return err
	}

	stored := e.Clone()
	if stored.Data == nil {
		stored.Data = Fields{}
	}
	if stored.LastModified.IsZero() {
		stored.LastModified = s.clock.Now()
	}
	if stored.SyncStatus == "" {
		stored.SyncStatus = StatusSynced
	}
	if stored.ClientID == "" {
		stored.ClientID = s.clientID
	}
	stored.Checksum = DataChecksum(stored.Data)

	s.mu.Lock()
	s.entities[stored.Key()] = stored
	s.mu.Unlock()

	return s.flush(ctx, stored.Type, stored.ID)
}

// Delete removes the entity physically and reports whether it existed
func (s *Store) Delete(ctx context.Context, entityType, id string) (bool, error) {
	s.mu.Lock()
	_, ok := s.entities[entityKey(entityType, id)]
	delete(s.entities, entityKey(entityType, id))
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, s.flush(ctx, entityType, id)
}

// Len returns the number of entities, including ones pending deletion
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// Snapshot returns a deep copy of the whole map, deletion markers included
func (s *Store) Snapshot() map[string]*Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSnapshot(s.entities)
}

// Checksum hashes the whole entity map
func (s *Store) Checksum() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SnapshotChecksum(s.entities)
}

// ReplaceAll swaps the entity map in one step. Readers see either the old
// or the new map, never a mix. The medium is then brought in line; write
// failures are aggregated and returned but the in-memory swap stands.
func (s *Store) ReplaceAll(ctx context.Context, entities map[string]*Entity) error {
	next := cloneSnapshot(entities)

	s.mu.Lock()
	prev := s.entities
	s.entities = next
	s.mu.Unlock()

	if s.kv == nil {
		return nil
	}

	var err error
	for key, e := range prev {
		if _, kept := next[key]; !kept {
			err = multierr.Append(err, s.flush(ctx, e.Type, e.ID))
		}
	}
	for _, e := range next {
		err = multierr.Append(err, s.flush(ctx, e.Type, e.ID))
	}
	return err
}

// Load reads every entity from the medium, replacing the in-memory map.
// Undecodable records are skipped and reported in the returned count.
func (s *Store) Load(ctx context.Context) (loaded, bad int, err error) {
	if s.kv == nil {
		return 0, 0, nil
	}

	keys, err := s.kv.ListKeys(ctx, StoragePrefix)
	if err != nil {
		return 0, 0, errors.NewError(errors.ErrCodeStorageRead, "failed to list entities").
			WithComponent("entity-store").WithOperation("load").WithCause(err)
	}

	entities := make(map[string]*Entity, len(keys))
	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, types.ErrKeyNotFound) {
				continue
			}
			return 0, 0, errors.NewError(errors.ErrCodeStorageRead, "failed to read entity").
				WithComponent("entity-store").WithOperation("load").WithContext("key", key).WithCause(err)
		}

		var e Entity
		if err := json.Unmarshal(data, &e); err != nil || e.ID == "" || e.Type == "" ||
			storageKey(e.Type, e.ID) != key {
			bad++
			s.logger.Warn("Skipping undecodable entity record", map[string]interface{}{
				"key": key,
			})
			continue
		}
		if e.Data == nil {
			e.Data = Fields{}
		}
		if sum := DataChecksum(e.Data); e.Checksum != sum {
			s.logger.Warn("Entity checksum mismatch on load, rehashing", map[string]interface{}{
				"key":      key,
				"stored":   e.Checksum,
				"computed": sum,
			})
			e.Checksum = sum
		}
		entities[e.Key()] = &e
	}

	s.mu.Lock()
	s.entities = entities
	s.mu.Unlock()

	s.logger.Info("Loaded entities", map[string]interface{}{
		"count":   len(entities),
		"skipped": bad,
	})
	return len(entities), bad, nil
}

// update applies fn to the live entity under the write lock. fn returns
// false to leave the map untouched.
func (s *Store) update(key string, fn func(e *Entity, exists bool) (*Entity, bool)) (*Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.entities[key]
	next, changed := fn(current, exists)
	if !changed {
		return nil, false
	}
	if next == nil {
		delete(s.entities, key)
		return nil, true
	}
	s.entities[key] = next
	return next.Clone(), true
}

// flush writes the current state of one entity to the medium, or removes
// it if the entity is gone
func (s *Store) flush(ctx context.Context, entityType, id string) error {
	if s.kv == nil {
		return nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	e, ok := s.entities[entityKey(entityType, id)]
	var data []byte
	var err error
	if ok {
		data, err = json.Marshal(e)
	}
	s.mu.RUnlock()

	key := storageKey(entityType, id)
	if !ok {
		if err := s.kv.Remove(ctx, key); err != nil {
			return errors.NewError(errors.ErrCodeStorageWrite, "failed to remove entity").
				WithComponent("entity-store").WithContext("key", key).WithCause(err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("encoding entity %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, data); err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to persist entity").
			WithComponent("entity-store").WithContext("key", key).WithCause(err)
	}
	return nil
}
