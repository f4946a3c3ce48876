package events

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durastore/durastore/pkg/utils"
)

type collected struct {
	mu    sync.Mutex
	names []string
}

func (c *collected) Record(name string, _ map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
}

func (c *collected) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

func TestFanout(t *testing.T) {
	a, b := &collected{}, &collected{}
	var fromFunc []string
	f := NewFanout(a, nil, b, Func(func(name string, _ map[string]interface{}) {
		fromFunc = append(fromFunc, name)
	}))
	require.Len(t, f, 3)

	f.Record("one", nil)
	f.Record("two", map[string]interface{}{"k": 1})

	assert.Equal(t, []string{"one", "two"}, a.all())
	assert.Equal(t, []string{"one", "two"}, b.all())
	assert.Equal(t, []string{"one", "two"}, fromFunc)
}

func TestLogRecorder(t *testing.T) {
	var buf bytes.Buffer
	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  utils.DEBUG,
		Output: &buf,
		Format: utils.FormatJSON,
	})
	require.NoError(t, err)

	r := NewLogRecorder(logger, "cache_integrity_failure")
	r.Record("cache_eviction", map[string]interface{}{"key": "a"})
	r.Record("cache_integrity_failure", map[string]interface{}{"key": "b"})

	out := buf.String()
	assert.Contains(t, out, `"event":"cache_eviction"`)
	assert.Contains(t, out, `"level":"debug"`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"component":"events"`)
}

func TestAsyncRecorderPreservesOrder(t *testing.T) {
	sink := &collected{}
	a := NewAsyncRecorder(sink, 100)

	for _, name := range []string{"a", "b", "c"} {
		a.Record(name, nil)
	}
	a.Close()

	assert.Equal(t, []string{"a", "b", "c"}, sink.all())
	assert.Equal(t, uint64(3), a.Delivered())
	assert.Zero(t, a.Dropped())

	a.Record("late", nil)
	assert.Equal(t, uint64(1), a.Dropped())
	a.Close()
}

func TestAsyncRecorderDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := Func(func(string, map[string]interface{}) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})

	a := NewAsyncRecorder(blocking, 1)
	a.Record("first", nil)
	<-started // first is being delivered, queue is empty

	a.Record("queued", nil)
	a.Record("dropped", nil)
	assert.Equal(t, uint64(1), a.Dropped())

	close(release)
	a.Close()
	assert.Equal(t, uint64(2), a.Delivered())
}

func TestAsyncRecorderCopiesProps(t *testing.T) {
	var got map[string]interface{}
	a := NewAsyncRecorder(Func(func(_ string, props map[string]interface{}) { got = props }), 4)

	props := map[string]interface{}{"k": "v"}
	a.Record("x", props)
	props["k"] = "mutated"
	a.Close()

	assert.Equal(t, "v", got["k"])
}
