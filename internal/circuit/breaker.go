package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	durerrors "github.com/durastore/durastore/pkg/errors"
	"github.com/durastore/durastore/pkg/types"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - sync requests pass through
	StateClosed State = iota
	// StateOpen - the remote is considered unreachable, requests are rejected
	StateOpen
	// StateHalfOpen - a limited number of trial requests may pass
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Trial requests allowed through while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Consecutive transport failures that open the circuit
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Period after which closed-state counts are cleared
	Interval time.Duration `yaml:"interval"`

	// Period of the open state before probing
	Timeout time.Duration `yaml:"timeout"`

	ReadyToTrip   func(counts Counts) bool              `yaml:"-"`
	OnStateChange func(name string, from State, to State) `yaml:"-"`
	IsSuccessful  func(err error) bool                  `yaml:"-"`

	Clock types.Clock `yaml:"-"`
}

// DefaultConfig suits a mobile client on a flaky network
func DefaultConfig() Config {
	return Config{
		MaxRequests:      1,
		FailureThreshold: 5,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
	}
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// Stats is a snapshot of a breaker for reporting
type Stats struct {
	Name   string    `json:"name"`
	State  string    `json:"state"`
	Counts Counts    `json:"counts"`
	Expiry time.Time `json:"expiry,omitempty"`
	Trips  uint64    `json:"trips"`
}

var (
	// ErrOpenState is returned when the circuit breaker is open
	ErrOpenState = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when the half-open trial budget is spent
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// IsRejection reports whether err came from the breaker rather than the call
func IsRejection(err error) bool {
	return errors.Is(err, ErrOpenState) || errors.Is(err, ErrTooManyRequests)
}

// Breaker guards calls to the remote sync endpoint
type Breaker struct {
	name   string
	config Config
	clock  types.Clock

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
	trips  uint64
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// New creates a breaker, filling unset config fields from DefaultConfig
func New(name string, config Config) *Breaker {
	def := DefaultConfig()
	if config.MaxRequests == 0 {
		config.MaxRequests = def.MaxRequests
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.ReadyToTrip == nil {
		threshold := config.FailureThreshold
		config.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= threshold }
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = TransportHealthy
	}
	clock := config.Clock
	if clock == nil {
		clock = wallClock{}
	}

	return &Breaker{
		name:   name,
		config: config,
		clock:  clock,
		state:  StateClosed,
		expiry: clock.Now().Add(config.Interval),
	}
}

// TransportHealthy treats any outcome that proves the remote answered as a
// success. A rejection by the server is not a transport failure, nor is a
// caller cancelling its own context.
func TransportHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var de *durerrors.DurableError
	if errors.As(err, &de) {
		switch de.Code {
		case durerrors.ErrCodeRemoteRejected, durerrors.ErrCodeSchemaValidation,
			durerrors.ErrCodeConflictUnresolved, durerrors.ErrCodeValidationFailed:
			return true
		}
	}
	return false
}

// Execute runs fn if the breaker allows it
func (cb *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

// Allow reports whether a call would currently be let through without
// consuming a half-open trial slot.
func (cb *Breaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState(cb.clock.Now())
	if state == StateOpen {
		return false
	}
	return state != StateHalfOpen || cb.counts.Requests < cb.config.MaxRequests
}

func (cb *Breaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	state := cb.currentState(now)

	if state == StateOpen {
		return ErrOpenState
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests {
		return ErrTooManyRequests
	}

	cb.counts.Requests++
	cb.counts.LastActivity = now
	return nil
}

func (cb *Breaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	state := cb.currentState(now)

	if cb.config.IsSuccessful(err) {
		cb.counts.onSuccess()
		if state == StateHalfOpen {
			cb.setState(StateClosed, now)
		}
		return
	}

	cb.counts.onFailure()
	switch state {
	case StateClosed:
		if cb.config.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *Breaker) currentState(now time.Time) State {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.counts = Counts{}
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		if !cb.expiry.After(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state
}

func (cb *Breaker) setState(state State, now time.Time) {
	prev := cb.state
	if prev == state {
		return
	}

	cb.state = state
	cb.counts = Counts{}

	switch state {
	case StateClosed:
		cb.expiry = now.Add(cb.config.Interval)
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
		cb.trips++
	case StateHalfOpen:
		cb.expiry = time.Time{}
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

// State returns the current state, moving open to half-open once the
// timeout has passed.
func (cb *Breaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(cb.clock.Now())
}

// Counts returns a copy of the current counts
func (cb *Breaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Stats returns a reporting snapshot
func (cb *Breaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState(cb.clock.Now())
	return Stats{
		Name:   cb.name,
		State:  state.String(),
		Counts: cb.counts,
		Expiry: cb.expiry,
		Trips:  cb.trips,
	}
}

// Reset closes the breaker and clears its counts
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts = Counts{}
	cb.setState(StateClosed, cb.clock.Now())
}

// Name returns the name of the circuit breaker
func (cb *Breaker) Name() string {
	return cb.name
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}
