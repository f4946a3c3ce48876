// Package events adapts the types.EventRecorder sink: logging, fan-out to
// several recorders, and an asynchronous buffer that keeps slow sinks off
// the caller's path.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"

	"github.com/durastore/durastore/pkg/types"
	"github.com/durastore/durastore/pkg/utils"
)

// Func adapts a function to types.EventRecorder
type Func func(name string, props map[string]interface{})

// Record implements types.EventRecorder
func (f Func) Record(name string, props map[string]interface{}) {
	f(name, props)
}

// Fanout forwards every event to each recorder in order
type Fanout []types.EventRecorder

// NewFanout drops nil recorders
func NewFanout(recorders ...types.EventRecorder) Fanout {
	out := make(Fanout, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Record implements types.EventRecorder
func (f Fanout) Record(name string, props map[string]interface{}) {
	for _, r := range f {
		r.Record(name, props)
	}
}

// LogRecorder writes events to a structured logger at debug level, or at
// warn level for names listed in Warn
type LogRecorder struct {
	logger *utils.StructuredLogger
	warn   map[string]bool
}

// NewLogRecorder creates a recorder logging through logger
func NewLogRecorder(logger *utils.StructuredLogger, warn ...string) *LogRecorder {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	w := make(map[string]bool, len(warn))
	for _, name := range warn {
		w[name] = true
	}
	return &LogRecorder{logger: logger.WithComponent("events"), warn: w}
}

// Record implements types.EventRecorder
func (l *LogRecorder) Record(name string, props map[string]interface{}) {
	fields := make(map[string]interface{}, len(props)+1)
	for k, v := range props {
		fields[k] = v
	}
	fields["event"] = name

	if l.warn[name] {
		l.logger.Warn("Event recorded", fields)
		return
	}
	l.logger.Debug("Event recorded", fields)
}

// DefaultAsyncBuffer is the queue length of an AsyncRecorder
const DefaultAsyncBuffer = 1024

type event struct {
	name  string
	props map[string]interface{}
}

// AsyncRecorder queues events and delivers them to the wrapped recorder on
// a single goroutine, preserving order. Record never blocks: when the
// queue is full the event is dropped and counted.
type AsyncRecorder struct {
	next    types.EventRecorder
	ch      chan event
	wg      conc.WaitGroup
	dropped atomic.Uint64
	sent    atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewAsyncRecorder starts the delivery goroutine
func NewAsyncRecorder(next types.EventRecorder, buffer int) *AsyncRecorder {
	if buffer <= 0 {
		buffer = DefaultAsyncBuffer
	}
	a := &AsyncRecorder{
		next: next,
		ch:   make(chan event, buffer),
	}
	a.wg.Go(a.run)
	return a
}

func (a *AsyncRecorder) run() {
	for ev := range a.ch {
		a.next.Record(ev.name, ev.props)
		a.sent.Add(1)
	}
}

// Record implements types.EventRecorder
func (a *AsyncRecorder) Record(name string, props map[string]interface{}) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		return
	}

	copied := make(map[string]interface{}, len(props))
	for k, v := range props {
		copied[k] = v
	}
	select {
	case a.ch <- event{name: name, props: copied}:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full queue or after Close
func (a *AsyncRecorder) Dropped() uint64 {
	return a.dropped.Load()
}

// Delivered returns the number of events handed to the wrapped recorder
func (a *AsyncRecorder) Delivered() uint64 {
	return a.sent.Load()
}

// Close delivers the queued events and stops the goroutine. Later events
// are dropped.
func (a *AsyncRecorder) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()

	a.wg.Wait()
}
