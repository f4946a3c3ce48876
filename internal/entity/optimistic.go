package entity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/durastore/durastore/pkg/errors"
	"github.com/durastore/durastore/pkg/types"
	"github.com/durastore/durastore/pkg/utils"
)

// Operation is the kind of change an optimistic update applies
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Event names emitted by the optimistic manager
const (
	EventUpdateCreated    = "optimistic_update_created"
	EventUpdateCommitted  = "optimistic_update_committed"
	EventUpdateRolledBack = "optimistic_update_rolled_back"
)

// TaskPrune is the scheduler name of the prune sweep
const TaskPrune = "entity-update-prune"

// UpdateState is the lifecycle state of an optimistic update
type UpdateState string

const (
	UpdatePending   UpdateState = "pending"
	UpdateCommitted UpdateState = "committed"
	UpdateFailed    UpdateState = "failed"
)

// OptimisticUpdate is a local write applied ahead of server confirmation
type OptimisticUpdate struct {
	ID             string    `json:"id"`
	EntityID       string    `json:"entity_id"`
	EntityType     string    `json:"entity_type"`
	Operation      Operation `json:"operation"`
	OriginalData   Fields    `json:"original_data,omitempty"`
	OptimisticData Fields    `json:"optimistic_data,omitempty"`
	RollbackData   Fields    `json:"rollback_data,omitempty"`
	Committed      bool      `json:"committed"`
	Failed         bool      `json:"failed"`
	Timestamp      time.Time `json:"timestamp"`
	SettledAt      time.Time `json:"settled_at,omitempty"`

	// state of the entity before the update, for rollback
	previous *Entity
}

// State derives the lifecycle state
func (u *OptimisticUpdate) State() UpdateState {
	switch {
	case u.Committed:
		return UpdateCommitted
	case u.Failed:
		return UpdateFailed
	}
	return UpdatePending
}

// Terminal reports whether the update was committed or rolled back
func (u *OptimisticUpdate) Terminal() bool {
	return u.Committed || u.Failed
}

func (u *OptimisticUpdate) clone() *OptimisticUpdate {
	c := *u
	c.OriginalData = u.OriginalData.Clone()
	c.OptimisticData = u.OptimisticData.Clone()
	c.RollbackData = u.RollbackData.Clone()
	c.previous = u.previous.Clone()
	return &c
}

// OptimisticConfig bounds the update log
type OptimisticConfig struct {
	MaxPending    int           `yaml:"max_pending"`
	MaxAge        time.Duration `yaml:"max_age"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// DefaultOptimisticConfig allows 100 pending updates and keeps terminal
// ones for an hour
func DefaultOptimisticConfig() OptimisticConfig {
	return OptimisticConfig{
		MaxPending:    100,
		MaxAge:        time.Hour,
		PruneInterval: 5 * time.Minute,
	}
}

// ManagerOptions carries the optimistic manager's collaborators
type ManagerOptions struct {
	Queue    types.SyncQueue
	Recorder types.EventRecorder
	Logger   *utils.StructuredLogger

	// NewID generates update ids; defaults to random UUIDs
	NewID func() string
}

// OptimisticManager applies tentative writes to a Store and settles them
// when the server confirms or rejects them. Create never waits on the
// network: the update is handed to the sync queue and returned at once.
type OptimisticManager struct {
	store    *Store
	config   OptimisticConfig
	queue    types.SyncQueue
	recorder types.EventRecorder
	logger   *utils.StructuredLogger
	newID    func() string

	mu      sync.Mutex
	updates map[string]*OptimisticUpdate
}

// NewOptimisticManager creates a manager over store
func NewOptimisticManager(store *Store, config OptimisticConfig, opts ManagerOptions) *OptimisticManager {
	defaults := DefaultOptimisticConfig()
	if config.MaxPending <= 0 {
		config.MaxPending = defaults.MaxPending
	}
	if config.MaxAge <= 0 {
		config.MaxAge = defaults.MaxAge
	}
	if opts.Queue == nil {
		opts.Queue = types.NopQueue{}
	}
	if opts.Recorder == nil {
		opts.Recorder = types.NopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	return &OptimisticManager{
		store:    store,
		config:   config,
		queue:    opts.Queue,
		recorder: opts.Recorder,
		logger:   opts.Logger.WithComponent("optimistic"),
		newID:    opts.NewID,
		updates:  make(map[string]*OptimisticUpdate),
	}
}

// Create applies op to the entity immediately and queues it for sync.
// Update merges data into the existing fields; delete marks the entity so
// it is hidden until the delete is committed or rolled back.
func (m *OptimisticManager) Create(ctx context.Context, entityID, entityType string, op Operation, data interface{}) (string, error) {
	if entityID == "" || entityType == "" {
		return "", errors.NewError(errors.ErrCodeValidationFailed, "entity id and type are required").
			WithComponent("optimistic").WithOperation("create")
	}
	payload, err := NormalizeFields(data)
	if err != nil {
		return "", errors.NewError(errors.ErrCodeValidationFailed, "invalid payload").
			WithComponent("optimistic").WithOperation("create").WithCause(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if n := m.pendingLocked(); n >= m.config.MaxPending {
		return "", errors.NewError(errors.ErrCodeLimitExceeded, "too many pending optimistic updates").
			WithComponent("optimistic").WithOperation("create").
			WithDetail("pending", n).WithDetail("limit", m.config.MaxPending)
	}

	now := m.store.clock.Now()
	u := &OptimisticUpdate{
		ID:         m.newID(),
		EntityID:   entityID,
		EntityType: entityType,
		Operation:  op,
		Timestamp:  now,
	}

	var applyErr error
	applied, _ := m.store.update(entityKey(entityType, entityID), func(e *Entity, exists bool) (*Entity, bool) {
		visible := exists && !e.Deleted
		switch op {
		case OpCreate:
			if visible {
				applyErr = errors.NewError(errors.ErrCodeEntityExists, "entity already exists").
					WithComponent("optimistic").WithContext("entity", entityKey(entityType, entityID))
				return nil, false
			}
			if applyErr = m.store.Validate(entityType, payload); applyErr != nil {
				return nil, false
			}
			u.OptimisticData = payload.Clone()
			next := &Entity{
				ID:         entityID,
				Type:       entityType,
				Data:       payload,
				Version:    1,
				SyncStatus: StatusPending,
				ClientID:   m.store.clientID,
			}
			if exists {
				// a create over an entity pending deletion replaces it
				u.previous = e.Clone()
				next.Version = e.Version + 1
			}
			next.touch(now)
			return next, true

		case OpUpdate, OpDelete:
			if !visible {
				applyErr = errors.NewError(errors.ErrCodeEntityNotFound, "entity does not exist").
					WithComponent("optimistic").WithContext("entity", entityKey(entityType, entityID))
				return nil, false
			}
			u.previous = e.Clone()
			u.OriginalData = e.Data.Clone()
			u.RollbackData = e.Data.Clone()

			next := e.Clone()
			if op == OpUpdate {
				for k, v := range payload {
					next.Data[k] = v
				}
				if applyErr = m.store.Validate(entityType, next.Data); applyErr != nil {
					return nil, false
				}
				u.OptimisticData = next.Data.Clone()
			} else {
				next.Deleted = true
			}
			next.SyncStatus = StatusPending
			next.touch(now)
			return next, true
		}

		applyErr = errors.NewError(errors.ErrCodeValidationFailed, "unknown operation").
			WithComponent("optimistic").WithContext("operation", string(op))
		return nil, false
	})
	if applyErr != nil {
		return "", applyErr
	}

	m.updates[u.ID] = u
	m.persist(ctx, entityType, entityID)

	item := types.SyncItem{
		ID:         uuid.NewString(),
		Kind:       types.SyncKindOptimisticUpdate,
		EntityID:   entityID,
		EntityType: entityType,
		UpdateID:   u.ID,
		Operation:  string(op),
		Version:    applied.Version,
		Data:       u.OptimisticData.Clone(),
		QueuedAt:   now,
	}
	if !m.queue.Enqueue(item) {
		m.logger.Warn("Sync queue refused optimistic update", map[string]interface{}{
			"update_id": u.ID,
			"entity":    entityKey(entityType, entityID),
		})
	}

	m.recorder.Record(EventUpdateCreated, map[string]interface{}{
		"update_id":   u.ID,
		"entity_id":   entityID,
		"entity_type": entityType,
		"operation":   string(op),
	})
	return u.ID, nil
}

// Commit settles a pending update as confirmed by the server. When
// serverData is non-nil it replaces the local data and bumps the version.
// A committed delete removes the entity. Committing an update that is
// already terminal is a logged no-op returning false.
func (m *OptimisticManager) Commit(ctx context.Context, updateID string, serverData interface{}) (bool, error) {
	var server Fields
	if serverData != nil {
		var err error
		if server, err = NormalizeFields(serverData); err != nil {
			return false, errors.NewError(errors.ErrCodeValidationFailed, "invalid server payload").
				WithComponent("optimistic").WithOperation("commit").WithCause(err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.settleableLocked(updateID, "commit")
	if u == nil {
		return false, err
	}
	now := m.store.clock.Now()
	u.Committed = true
	u.SettledAt = now

	others := m.otherPendingLocked(u)
	m.store.update(entityKey(u.EntityType, u.EntityID), func(e *Entity, exists bool) (*Entity, bool) {
		if u.Operation == OpDelete {
			return nil, exists
		}
		if !exists {
			if server == nil {
				return nil, false
			}
			e = &Entity{ID: u.EntityID, Type: u.EntityType, ClientID: m.store.clientID}
		} else {
			e = e.Clone()
		}
		if server != nil {
			e.Data = server.Clone()
			e.Version++
			e.Deleted = false
			e.touch(now)
		}
		// unresolved conflicts stay visible until server data settles them
		if e.SyncStatus == StatusConflict && server == nil {
			return e, true
		}
		e.SyncStatus = StatusSynced
		if others {
			e.SyncStatus = StatusPending
		}
		return e, true
	})
	m.persist(ctx, u.EntityType, u.EntityID)

	m.logger.Debug("Committed optimistic update", map[string]interface{}{
		"update_id":   u.ID,
		"entity":      entityKey(u.EntityType, u.EntityID),
		"server_data": server != nil,
	})
	m.recorder.Record(EventUpdateCommitted, map[string]interface{}{
		"update_id":   u.ID,
		"entity_id":   u.EntityID,
		"entity_type": u.EntityType,
		"operation":   string(u.Operation),
	})
	return true, nil
}

// Rollback undoes a pending update. A rolled back create removes the
// entity; update and delete restore the data and status captured before
// the update was applied.
func (m *OptimisticManager) Rollback(ctx context.Context, updateID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.settleableLocked(updateID, "rollback")
	if u == nil {
		return false, err
	}
	now := m.store.clock.Now()
	u.Failed = true
	u.SettledAt = now
	m.store.update(entityKey(u.EntityType, u.EntityID), func(e *Entity, exists bool) (*Entity, bool) {
		if u.previous == nil {
			return nil, exists
		}
		restored := u.previous.Clone()
		if exists && e.Version > restored.Version {
			restored.Version = e.Version
		}
		if u.RollbackData != nil {
			restored.Data = u.RollbackData.Clone()
		}
		restored.touch(now)
		return restored, true
	})
	m.persist(ctx, u.EntityType, u.EntityID)

	m.logger.Info("Rolled back optimistic update", map[string]interface{}{
		"update_id": u.ID,
		"entity":    entityKey(u.EntityType, u.EntityID),
		"operation": string(u.Operation),
	})
	m.recorder.Record(EventUpdateRolledBack, map[string]interface{}{
		"update_id":   u.ID,
		"entity_id":   u.EntityID,
		"entity_type": u.EntityType,
		"operation":   string(u.Operation),
	})
	return true, nil
}

// settleableLocked returns the update if it can still be settled. A nil
// update with a nil error means the update is already terminal.
func (m *OptimisticManager) settleableLocked(updateID, op string) (*OptimisticUpdate, error) {
	u, ok := m.updates[updateID]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeUpdateNotFound, "unknown optimistic update").
			WithComponent("optimistic").WithOperation(op).WithContext("update_id", updateID)
	}
	if u.Terminal() {
		m.logger.Warn("Ignoring settle of terminal optimistic update", map[string]interface{}{
			"update_id": updateID,
			"operation": op,
			"state":     string(u.State()),
		})
		return nil, nil
	}
	return u, nil
}

func (m *OptimisticManager) otherPendingLocked(u *OptimisticUpdate) bool {
	for _, other := range m.updates {
		if other.ID != u.ID && !other.Terminal() &&
			other.EntityID == u.EntityID && other.EntityType == u.EntityType {
			return true
		}
	}
	return false
}

func (m *OptimisticManager) pendingLocked() int {
	n := 0
	for _, u := range m.updates {
		if !u.Terminal() {
			n++
		}
	}
	return n
}

// persist mirrors the entity to the medium. Failures leave the in-memory
// state in place and are retried by the next write of the entity.
func (m *OptimisticManager) persist(ctx context.Context, entityType, entityID string) {
	if err := m.store.flush(ctx, entityType, entityID); err != nil {
		m.logger.Error("Failed to persist entity", map[string]interface{}{
			"entity": entityKey(entityType, entityID),
			"error":  err,
		})
	}
}

// Get returns a copy of the update
func (m *OptimisticManager) Get(updateID string) (*OptimisticUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.updates[updateID]
	if !ok {
		return nil, false
	}
	return u.clone(), true
}

// Pending returns copies of the pending updates, oldest first
func (m *OptimisticManager) Pending() []*OptimisticUpdate {
	m.mu.Lock()
	out := make([]*OptimisticUpdate, 0, len(m.updates))
	for _, u := range m.updates {
		if !u.Terminal() {
			out = append(out, u.clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PendingCount returns the number of pending updates
func (m *OptimisticManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked()
}

// Len returns the number of tracked updates, terminal ones included
func (m *OptimisticManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates)
}

// Prune drops updates settled more than MaxAge ago and returns how many
func (m *OptimisticManager) Prune(ctx context.Context) int {
	cutoff := m.store.clock.Now().Add(-m.config.MaxAge)

	m.mu.Lock()
	pruned := 0
	for id, u := range m.updates {
		if u.Terminal() && u.SettledAt.Before(cutoff) {
			delete(m.updates, id)
			pruned++
		}
	}
	m.mu.Unlock()

	if pruned > 0 {
		m.logger.Debug("Pruned optimistic updates", map[string]interface{}{
			"count": pruned,
		})
	}
	return pruned
}

// Start registers the prune sweep and returns its cancel function
func (m *OptimisticManager) Start(sched types.Scheduler) func() {
	interval := m.config.PruneInterval
	if interval <= 0 {
		interval = DefaultOptimisticConfig().PruneInterval
	}
	return sched.Schedule(TaskPrune, interval, func(ctx context.Context) {
		m.Prune(ctx)
	})
}
