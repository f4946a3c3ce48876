package health

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/durastore/durastore/internal/scheduler"
	"github.com/durastore/durastore/pkg/errors"
)

type recorded struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (r *recorded) Record(name string, props map[string]interface{}) {
	if name != EventStateChanged {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, props)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateHealthy, "healthy"},
		{StateDegraded, "degraded"},
		{StateReadOnly, "read-only"},
		{StateUnavailable, "unavailable"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestTracker_Register(t *testing.T) {
	tracker := NewTracker(DefaultConfig(), Options{})
	tracker.Register("storage", nil)

	if state := tracker.State("storage"); state != StateHealthy {
		t.Errorf("Expected initial state healthy, got %s", state)
	}
	if state := tracker.State("missing"); state != StateUnavailable {
		t.Errorf("Expected unknown component unavailable, got %s", state)
	}
}

func TestTracker_Degradation(t *testing.T) {
	rec := &recorded{}
	config := DefaultConfig()
	config.ErrorThreshold = 3
	config.UnavailableThreshold = 5
	tracker := NewTracker(config, Options{Recorder: rec})
	tracker.Register("sync", nil)

	for i := 0; i < 2; i++ {
		tracker.RecordError("sync", fmt.Errorf("error %d", i))
	}
	if state := tracker.State("sync"); state != StateHealthy {
		t.Errorf("Expected healthy below threshold, got %s", state)
	}

	tracker.RecordError("sync", fmt.Errorf("error 3"))
	if state := tracker.State("sync"); state != StateDegraded {
		t.Errorf("Expected degraded at threshold, got %s", state)
	}

	tracker.RecordError("sync", nil)
	tracker.RecordError("sync", fmt.Errorf("error 5"))
	if state := tracker.State("sync"); state != StateUnavailable {
		t.Errorf("Expected unavailable, got %s", state)
	}

	tracker.RecordSuccess("sync")
	c, ok := tracker.Component("sync")
	if !ok {
		t.Fatal("Component not found")
	}
	if c.State != StateHealthy || c.ConsecutiveErrors != 0 || c.LastError != "" {
		t.Errorf("Expected full recovery, got %+v", c)
	}

	if len(rec.events) != 3 {
		t.Fatalf("Expected 3 state change events, got %d", len(rec.events))
	}
	if rec.events[2]["to"] != "healthy" {
		t.Errorf("Expected last transition to healthy, got %v", rec.events[2]["to"])
	}
}

func TestTracker_WriteErrorsMeanReadOnly(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 2
	tracker := NewTracker(config, Options{})
	tracker.Register("storage", nil)

	writeErr := errors.NewError(errors.ErrCodeStorageWrite, "disk full")
	tracker.RecordError("storage", writeErr)
	tracker.RecordError("storage", writeErr)

	if state := tracker.State("storage"); state != StateReadOnly {
		t.Errorf("Expected read-only, got %s", state)
	}
	if !tracker.CanRead("storage") {
		t.Error("Expected reads allowed")
	}
	if tracker.CanWrite("storage") {
		t.Error("Expected writes refused")
	}
}

func TestTracker_Overall(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 1
	tracker := NewTracker(config, Options{})

	if overall := tracker.Overall(); overall != StateHealthy {
		t.Errorf("Expected healthy with no components, got %s", overall)
	}

	tracker.Register("cache", nil)
	tracker.Register("storage", nil)
	tracker.RecordError("cache", fmt.Errorf("pressure"))

	if overall := tracker.Overall(); overall != StateDegraded {
		t.Errorf("Expected degraded overall, got %s", overall)
	}

	names := []string{}
	for _, c := range tracker.Components() {
		names = append(names, c.Name)
	}
	if len(names) != 2 || names[0] != "cache" || names[1] != "storage" {
		t.Errorf("Expected sorted components, got %v", names)
	}
}

func TestTracker_ScheduledChecks(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sched := scheduler.NewManual(clock)

	config := DefaultConfig()
	config.ErrorThreshold = 2
	config.CheckInterval = 10 * time.Second
	tracker := NewTracker(config, Options{Clock: clock})

	var failing bool
	tracker.Register("storage", func(context.Context) error {
		if failing {
			return fmt.Errorf("unreachable")
		}
		return nil
	})
	tracker.Register("passive", nil)

	cancel := tracker.Start(sched)
	defer cancel()

	failing = true
	sched.Advance(context.Background(), 20*time.Second)

	c, _ := tracker.Component("storage")
	if c.State != StateDegraded {
		t.Errorf("Expected degraded after two failed checks, got %s", c.State)
	}
	if !c.LastCheck.Equal(clock.Now()) {
		t.Errorf("Expected last check at %v, got %v", clock.Now(), c.LastCheck)
	}
	if state := tracker.State("passive"); state != StateHealthy {
		t.Errorf("Expected components without a check untouched, got %s", state)
	}

	failing = false
	sched.Advance(context.Background(), 10*time.Second)
	if state := tracker.State("storage"); state != StateHealthy {
		t.Errorf("Expected recovery after a passing check, got %s", state)
	}
}
