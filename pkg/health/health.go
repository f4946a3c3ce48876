// Package health tracks the health of durastore components and derives an
// overall state for readiness checks.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/durastore/durastore/pkg/errors"
	"github.com/durastore/durastore/pkg/types"
	"github.com/durastore/durastore/pkg/utils"
)

// EventStateChanged is recorded on every component state transition
const EventStateChanged = "health_state_changed"

// TaskCheck is the scheduler name of the periodic health checks
const TaskCheck = "health-check"

// State represents the health of a component
type State int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy State = iota

	// StateDegraded indicates the component works with reduced guarantees
	StateDegraded

	// StateReadOnly indicates reads work but writes fail
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckFunc checks one component. A nil error is a success.
type CheckFunc func(ctx context.Context) error

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastCheck         time.Time `json:"last_check"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`

	check CheckFunc
}

// Config configures health tracking behavior
type Config struct {
	// ErrorThreshold is the number of consecutive errors before a
	// component is marked degraded (or read-only for write failures)
	ErrorThreshold int `yaml:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before a
	// component is marked unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold"`

	// CheckInterval of the scheduled checks; zero disables them
	CheckInterval time.Duration `yaml:"check_interval"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		CheckInterval:        30 * time.Second,
	}
}

// Options carries the tracker's collaborators
type Options struct {
	Clock    types.Clock
	Recorder types.EventRecorder
	Logger   *utils.StructuredLogger
}

// Tracker tracks the health of multiple components. The overall state is
// the worst component state.
type Tracker struct {
	config   Config
	clock    types.Clock
	recorder types.EventRecorder
	logger   *utils.StructuredLogger

	mu         sync.RWMutex
	components map[string]*ComponentHealth
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// NewTracker creates a new health tracker
func NewTracker(config Config, opts Options) *Tracker {
	def := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = def.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	if opts.Clock == nil {
		opts.Clock = wallClock{}
	}
	if opts.Recorder == nil {
		opts.Recorder = types.NopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	return &Tracker{
		config:     config,
		clock:      opts.Clock,
		recorder:   opts.Recorder,
		logger:     opts.Logger.WithComponent("health"),
		components: make(map[string]*ComponentHealth),
	}
}

// Register adds a component. check may be nil for components that only
// report through RecordSuccess and RecordError.
func (t *Tracker) Register(name string, check CheckFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.components[name]; ok {
		c.check = check
		return
	}
	now := t.clock.Now()
	t.components[name] = &ComponentHealth{
		Name:            name,
		State:           StateHealthy,
		LastStateChange: now,
		LastCheck:       now,
		check:           check,
	}
}

// RecordSuccess marks a component healthy again
func (t *Tracker) RecordSuccess(component string) {
	t.record(component, nil)
}

// RecordError counts a failure against a component
func (t *Tracker) RecordError(component string, err error) {
	if err == nil {
		err = fmt.Errorf("unspecified failure")
	}
	t.record(component, err)
}

func (t *Tracker) record(component string, err error) {
	t.mu.Lock()
	c, ok := t.components[component]
	if !ok {
		t.mu.Unlock()
		return
	}

	old := c.State
	c.LastCheck = t.clock.Now()
	next := StateHealthy
	if err == nil {
		c.ConsecutiveErrors = 0
		c.LastError = ""
	} else {
		c.ConsecutiveErrors++
		c.LastError = err.Error()
		switch {
		case c.ConsecutiveErrors >= t.config.UnavailableThreshold:
			next = StateUnavailable
		case c.ConsecutiveErrors >= t.config.ErrorThreshold:
			next = StateDegraded
			if isWriteError(err) {
				next = StateReadOnly
			}
		default:
			next = old
		}
	}
	if next != old {
		c.State = next
		c.LastStateChange = c.LastCheck
	}
	errs := c.ConsecutiveErrors
	t.mu.Unlock()

	if next == old {
		return
	}
	props := map[string]interface{}{
		"component": component,
		"from":      old.String(),
		"to":        next.String(),
		"errors":    errs,
	}
	if err != nil {
		props["error"] = err.Error()
		t.logger.Warn("Component health changed", props)
	} else {
		t.logger.Info("Component health changed", props)
	}
	t.recorder.Record(EventStateChanged, props)
}

// isWriteError reports whether err means writes fail while reads may work
func isWriteError(err error) bool {
	return errors.HasCode(err, errors.ErrCodeStorageWrite)
}

// Run executes every registered check once
func (t *Tracker) Run(ctx context.Context) {
	t.mu.RLock()
	checks := make(map[string]CheckFunc, len(t.components))
	for name, c := range t.components {
		if c.check != nil {
			checks[name] = c.check
		}
	}
	t.mu.RUnlock()

	for name, check := range checks {
		t.record(name, check(ctx))
	}
}

// Start registers the periodic checks with sched
func (t *Tracker) Start(sched types.Scheduler) func() {
	return sched.Schedule(TaskCheck, t.config.CheckInterval, t.Run)
}

// State returns the current state of a component; unknown components are
// unavailable
func (t *Tracker) State(component string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, ok := t.components[component]; ok {
		return c.State
	}
	return StateUnavailable
}

// Component returns a copy of one component's health
func (t *Tracker) Component(name string) (ComponentHealth, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.components[name]
	if !ok {
		return ComponentHealth{}, false
	}
	out := *c
	out.check = nil
	return out, true
}

// Components returns copies of every component sorted by name
func (t *Tracker) Components() []ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ComponentHealth, 0, len(t.components))
	for _, c := range t.components {
		cp := *c
		cp.check = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst component state
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, c := range t.components {
		if c.State > overall {
			overall = c.State
		}
	}
	return overall
}

// CanRead reports whether reads of component are expected to work
func (t *Tracker) CanRead(component string) bool {
	return t.State(component) != StateUnavailable
}

// CanWrite reports whether writes to component are expected to work
func (t *Tracker) CanWrite(component string) bool {
	s := t.State(component)
	return s == StateHealthy || s == StateDegraded
}
