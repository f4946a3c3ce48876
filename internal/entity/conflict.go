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

// Resolution records how a conflict was settled
type Resolution string

const (
	ResolutionPending    Resolution = "pending"
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionServerWins Resolution = "server_wins"
	ResolutionMerged     Resolution = "merged"
	ResolutionManual     Resolution = "manual"
)

// Strategy selects how ResolveConflict settles a field
type Strategy string

const (
	StrategyLocalWins  Strategy = "local_wins"
	StrategyServerWins Strategy = "server_wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
)

func (s Strategy) resolution() (Resolution, bool) {
	switch s {
	case StrategyLocalWins:
		return ResolutionLocalWins, true
	case StrategyServerWins:
		return ResolutionServerWins, true
	case StrategyMerge:
		return ResolutionMerged, true
	case StrategyManual:
		return ResolutionManual, true
	}
	return "", false
}

// Event names emitted by the conflict resolver
const (
	EventConflictDetected     = "conflict_detected"
	EventConflictResolved     = "conflict_resolved"
	EventConflictAutoResolved = "conflict_auto_resolved"
)

// TaskConflictSweep is the scheduler name of the timeout sweep
const TaskConflictSweep = "entity-conflict-sweep"

// Conflict is a divergence between the local and server value of one field
type Conflict struct {
	EntityID        string      `json:"entity_id"`
	EntityType      string      `json:"entity_type"`
	Field           string      `json:"field"`
	LocalValue      interface{} `json:"local_value"`
	ServerValue     interface{} `json:"server_value"`
	LocalPresent    bool        `json:"local_present"`
	ServerPresent   bool        `json:"server_present"`
	LocalTimestamp  time.Time   `json:"local_timestamp"`
	ServerTimestamp time.Time   `json:"server_timestamp"`
	Resolution      Resolution  `json:"resolution"`
	DetectedAt      time.Time   `json:"detected_at"`
}

func (c *Conflict) clone() Conflict {
	out := *c
	out.LocalValue = cloneValue(c.LocalValue)
	out.ServerValue = cloneValue(c.ServerValue)
	return out
}

// ConflictConfig tunes automatic resolution
type ConflictConfig struct {
	// AutoResolveMargin: a server copy newer than the local one by more
	// than this wins every field immediately
	AutoResolveMargin time.Duration `yaml:"auto_resolve_margin"`

	// ConflictTimeout: pending conflicts older than this are settled
	// server_wins by SweepExpired
	ConflictTimeout time.Duration `yaml:"conflict_timeout"`

	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConflictConfig returns a 60s margin and a 30m timeout
func DefaultConflictConfig() ConflictConfig {
	return ConflictConfig{
		AutoResolveMargin: 60 * time.Second,
		ConflictTimeout:   30 * time.Minute,
		SweepInterval:     time.Minute,
	}
}

// ResolverOptions carries the conflict resolver's collaborators
type ResolverOptions struct {
	Queue    types.SyncQueue
	Recorder types.EventRecorder
	Logger   *utils.StructuredLogger
}

// ConflictResolver reconciles authoritative server data with the local
// store. It is the callback the sync transport invokes when it receives
// server state.
type ConflictResolver struct {
	store    *Store
	config   ConflictConfig
	queue    types.SyncQueue
	recorder types.EventRecorder
	logger   *utils.StructuredLogger

	mu sync.Mutex
	// pending conflicts by entity key, then field
	pending map[string]map[string]*Conflict
}

// NewConflictResolver creates a resolver over store
func NewConflictResolver(store *Store, config ConflictConfig, opts ResolverOptions) *ConflictResolver {
	defaults := DefaultConflictConfig()
	if config.AutoResolveMargin < 0 {
		config.AutoResolveMargin = defaults.AutoResolveMargin
	}
	if config.ConflictTimeout <= 0 {
		config.ConflictTimeout = defaults.ConflictTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
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

	return &ConflictResolver{
		store:    store,
		config:   config,
		queue:    opts.Queue,
		recorder: opts.Recorder,
		logger:   opts.Logger.WithComponent("conflict"),
		pending:  make(map[string]map[string]*Conflict),
	}
}

// HandleDataConflict reconciles serverData, stamped serverTimestamp, with
// the local copy of the entity and returns one conflict per differing
// field. A missing local entity or identical data simply adopts the
// server copy. Conflicts are auto-resolved server_wins when the server
// copy is newer than the local one by more than AutoResolveMargin;
// otherwise they stay pending and the entity is marked conflict.
func (r *ConflictResolver) HandleDataConflict(ctx context.Context, entityID, entityType string, serverData interface{}, serverTimestamp time.Time) ([]Conflict, error) {
	server, err := NormalizeFields(serverData)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeValidationFailed, "invalid server payload").
			WithComponent("conflict").WithOperation("handle").WithCause(err)
	}

	key := entityKey(entityType, entityID)
	now := r.store.clock.Now()

	r.mu.Lock()
	var conflicts []Conflict
	autoResolved := false
	r.store.update(key, func(e *Entity, exists bool) (*Entity, bool) {
		if !exists {
			next := &Entity{
				ID:         entityID,
				Type:       entityType,
				Data:       server.Clone(),
				Version:    1,
				SyncStatus: StatusSynced,
			}
			next.touch(now)
			return next, true
		}

		diffs := Diff(e.Data, server)
		next := e.Clone()
		if len(diffs) == 0 {
			next.Data = server.Clone()
			next.SyncStatus = StatusSynced
			next.touch(now)
			delete(r.pending, key)
			return next, true
		}

		autoResolved = serverTimestamp.Sub(e.LastModified) > r.config.AutoResolveMargin
		resolution := ResolutionPending
		if autoResolved {
			resolution = ResolutionServerWins
		}
		for _, d := range diffs {
			conflicts = append(conflicts, Conflict{
				EntityID:        entityID,
				EntityType:      entityType,
				Field:           d.Field,
				LocalValue:      d.Local,
				ServerValue:     d.Server,
				LocalPresent:    d.LocalPresent,
				ServerPresent:   d.ServerPresent,
				LocalTimestamp:  e.LastModified,
				ServerTimestamp: serverTimestamp,
				Resolution:      resolution,
				DetectedAt:      now,
			})
		}

		if autoResolved {
			next.Data = server.Clone()
			next.Version++
			next.Deleted = false
			next.SyncStatus = StatusSynced
			next.touch(now)
			delete(r.pending, key)
			return next, true
		}

		fields := make(map[string]*Conflict, len(conflicts))
		for i := range conflicts {
			c := conflicts[i].clone()
			fields[c.Field] = &c
		}
		r.pending[key] = fields
		next.SyncStatus = StatusConflict
		return next, true
	})
	r.mu.Unlock()

	r.persist(ctx, entityType, entityID)

	switch {
	case len(conflicts) == 0:
	case autoResolved:
		r.logger.Info("Auto-resolved conflicts in favour of newer server copy", map[string]interface{}{
			"entity": key,
			"fields": len(conflicts),
		})
		for _, c := range conflicts {
			r.recorder.Record(EventConflictAutoResolved, conflictProps(c, "newer_server"))
		}
	default:
		r.logger.Warn("Detected data conflicts", map[string]interface{}{
			"entity": key,
			"fields": len(conflicts),
		})
		for _, c := range conflicts {
			r.recorder.Record(EventConflictDetected, conflictProps(c, ""))
		}
	}
	return conflicts, nil
}

// ResolveConflict settles one pending field. merge applies MergeValues;
// manual requires mergedValue. The result is validated against the
// entity's schema before it is applied. The entity version is bumped and
// the entity goes back to pending, or stays conflict while other fields
// are unresolved, and is queued for sync.
func (r *ConflictResolver) ResolveConflict(ctx context.Context, entityID, entityType, field string, strategy Strategy, mergedValue interface{}) error {
	resolution, ok := strategy.resolution()
	if !ok {
		return errors.NewError(errors.ErrCodeValidationFailed, "unknown resolution strategy").
			WithComponent("conflict").WithOperation("resolve").WithContext("strategy", string(strategy))
	}
	if strategy == StrategyManual && mergedValue == nil {
		return errors.NewError(errors.ErrCodeValidationFailed, "manual resolution requires a value").
			WithComponent("conflict").WithOperation("resolve").WithContext("field", field)
	}
	var manual interface{}
	if strategy == StrategyManual {
		var err error
		if manual, err = normalizeValue(mergedValue); err != nil {
			return errors.NewError(errors.ErrCodeValidationFailed, "invalid manual value").
				WithComponent("conflict").WithOperation("resolve").WithCause(err)
		}
	}

	resolved, entity, err := r.resolve(entityID, entityType, field, resolution, manual)
	if err != nil {
		return err
	}

	r.persist(ctx, entityType, entityID)
	r.enqueue(entity)
	r.recorder.Record(EventConflictResolved, conflictProps(resolved, ""))
	return nil
}

func (r *ConflictResolver) resolve(entityID, entityType, field string, resolution Resolution, manual interface{}) (Conflict, *Entity, error) {
	key := entityKey(entityType, entityID)

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.pending[key][field]
	if !ok {
		return Conflict{}, nil, errors.NewError(errors.ErrCodeConflictNotFound, "no pending conflict for field").
			WithComponent("conflict").WithOperation("resolve").
			WithContext("entity", key).WithContext("field", field)
	}

	var value interface{}
	present := true
	switch resolution {
	case ResolutionLocalWins:
		value, present = cloneValue(c.LocalValue), c.LocalPresent
	case ResolutionServerWins:
		value, present = cloneValue(c.ServerValue), c.ServerPresent
	case ResolutionMerged:
		value, present = MergeValues(c.LocalValue, c.ServerValue, c.LocalPresent, c.ServerPresent)
	case ResolutionManual:
		value = manual
	}

	remaining := len(r.pending[key]) - 1
	var applyErr error
	entity, _ := r.store.update(key, func(e *Entity, exists bool) (*Entity, bool) {
		if !exists {
			applyErr = errors.NewError(errors.ErrCodeEntityNotFound, "conflicted entity no longer exists").
				WithComponent("conflict").WithOperation("resolve").WithContext("entity", key)
			return nil, false
		}
		next := e.Clone()
		if next.Data == nil {
			next.Data = Fields{}
		}
		if present {
			next.Data[field] = value
		} else {
			delete(next.Data, field)
		}
		if applyErr = r.store.Validate(entityType, next.Data); applyErr != nil {
			return nil, false
		}
		next.Version++
		next.SyncStatus = StatusPending
		if remaining > 0 {
			next.SyncStatus = StatusConflict
		}
		next.touch(r.store.clock.Now())
		return next, true
	})
	if applyErr != nil {
		if errors.HasCode(applyErr, errors.ErrCodeEntityNotFound) {
			delete(r.pending, key)
		}
		return Conflict{}, nil, applyErr
	}

	c.Resolution = resolution
	out := c.clone()
	delete(r.pending[key], field)
	if len(r.pending[key]) == 0 {
		delete(r.pending, key)
	}
	return out, entity, nil
}

// SweepExpired settles server_wins every conflict pending longer than
// ConflictTimeout and returns how many were settled
func (r *ConflictResolver) SweepExpired(ctx context.Context) int {
	cutoff := r.store.clock.Now().Add(-r.config.ConflictTimeout)

	r.mu.Lock()
	var expired []Conflict
	for _, fields := range r.pending {
		for _, c := range fields {
			if c.DetectedAt.Before(cutoff) {
				expired = append(expired, c.clone())
			}
		}
	}
	r.mu.Unlock()

	sortConflicts(expired)

	settled := 0
	touched := make(map[string]*Entity)
	for _, c := range expired {
		if ctx.Err() != nil {
			break
		}
		resolved, entity, err := r.resolve(c.EntityID, c.EntityType, c.Field, ResolutionServerWins, nil)
		if err != nil {
			r.logger.Warn("Failed to auto-resolve expired conflict", map[string]interface{}{
				"entity": entityKey(c.EntityType, c.EntityID),
				"field":  c.Field,
				"error":  err,
			})
			continue
		}
		settled++
		touched[entity.Key()] = entity
		r.recorder.Record(EventConflictAutoResolved, conflictProps(resolved, "timeout"))
	}

	for _, e := range touched {
		r.persist(ctx, e.Type, e.ID)
		r.enqueue(e)
	}
	if settled > 0 {
		r.logger.Info("Auto-resolved expired conflicts", map[string]interface{}{
			"count": settled,
		})
	}
	return settled
}

// Conflicts returns the pending conflicts of one entity sorted by field
func (r *ConflictResolver) Conflicts(entityType, entityID string) []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	fields := r.pending[entityKey(entityType, entityID)]
	out := make([]Conflict, 0, len(fields))
	for _, c := range fields {
		out = append(out, c.clone())
	}
	sortConflicts(out)
	return out
}

// AllConflicts returns every pending conflict
func (r *ConflictResolver) AllConflicts() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Conflict
	for _, fields := range r.pending {
		for _, c := range fields {
			out = append(out, c.clone())
		}
	}
	sortConflicts(out)
	return out
}

// PendingCount returns the number of unresolved conflicts
func (r *ConflictResolver) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, fields := range r.pending {
		n += len(fields)
	}
	return n
}

// Start registers the timeout sweep and returns its cancel function
func (r *ConflictResolver) Start(sched types.Scheduler) func() {
	return sched.Schedule(TaskConflictSweep, r.config.SweepInterval, func(ctx context.Context) {
		r.SweepExpired(ctx)
	})
}

func (r *ConflictResolver) persist(ctx context.Context, entityType, entityID string) {
	if err := r.store.flush(ctx, entityType, entityID); err != nil {
		r.logger.Error("Failed to persist entity", map[string]interface{}{
			"entity": entityKey(entityType, entityID),
			"error":  err,
		})
	}
}

func (r *ConflictResolver) enqueue(e *Entity) {
	item := types.SyncItem{
		ID:         uuid.NewString(),
		Kind:       types.SyncKindResolvedEntity,
		EntityID:   e.ID,
		EntityType: e.Type,
		Version:    e.Version,
		Data:       e.Data.Clone(),
		QueuedAt:   r.store.clock.Now(),
	}
	if !r.queue.Enqueue(item) {
		r.logger.Warn("Sync queue refused resolved entity", map[string]interface{}{
			"entity": e.Key(),
		})
	}
}

func sortConflicts(cs []Conflict) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.Field < b.Field
	})
}

func conflictProps(c Conflict, reason string) map[string]interface{} {
	props := map[string]interface{}{
		"entity_id":   c.EntityID,
		"entity_type": c.EntityType,
		"field":       c.Field,
		"resolution":  string(c.Resolution),
	}
	if reason != "" {
		props["reason"] = reason
	}
	return props
}
