package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durastore/durastore/internal/buffer"
	"github.com/durastore/durastore/internal/scheduler"
	"github.com/durastore/durastore/internal/storage/memkv"
	"github.com/durastore/durastore/pkg/types"
)

type recordedEvent struct {
	name  string
	props map[string]interface{}
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *fakeRecorder) Record(name string, props map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name: name, props: props})
}

func (r *fakeRecorder) named(name string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, config Config, kv types.KVStore) (*Store, *scheduler.ManualClock, *fakeRecorder) {
	t.Helper()
	clock := scheduler.NewManualClock(epoch)
	rec := &fakeRecorder{}
	s, err := New(config, Options{KV: kv, Clock: clock, Recorder: rec})
	require.NoError(t, err)
	return s, clock, rec
}

// smallConfig is a 100-byte pool with 10 bytes reserved
func smallConfig(disk bool) Config {
	config := DefaultConfig()
	config.Pool = buffer.PoolConfig{Available: 100, Reserved: 10}
	config.EnableDisk = disk
	return config
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestNewValidatesConfig(t *testing.T) {
	config := DefaultConfig()
	config.EnableDisk = true
	_, err := New(config, Options{})
	assert.Error(t, err, "disk tier without a medium")

	config = DefaultConfig()
	config.Pool.Available = 0
	_, err = New(config, Options{KV: memkv.New()})
	assert.Error(t, err)

	config = DefaultConfig()
	config.Compression.Algorithm = "lzma"
	_, err = New(config, Options{KV: memkv.New()})
	assert.Error(t, err)
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, DefaultConfig(), memkv.New())

	small := []byte("hello")
	require.True(t, s.Set(ctx, "small", small, SetOptions{Priority: PriorityMedium}))

	large := bytes.Repeat([]byte("durable "), 1024)
	require.True(t, s.Set(ctx, "large", large, SetOptions{ETag: "v1"}))

	got, ok := s.Get(ctx, "small", GetOptions{ValidateIntegrity: true})
	require.True(t, ok)
	assert.Equal(t, small, got)

	got, ok = s.Get(ctx, "large", GetOptions{})
	require.True(t, ok)
	assert.Equal(t, large, got)

	info, ok := s.GetEntry(ctx, "large")
	require.True(t, ok)
	assert.True(t, info.Compressed)
	assert.Equal(t, AlgorithmZstd, info.Algorithm)
	assert.Less(t, info.Size, int64(len(large)))
	assert.Equal(t, Checksum(large), info.Checksum)
	assert.Equal(t, "v1", info.ETag)
	assert.Equal(t, TierMemory, info.Tier)

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, 2, stats.Entries)
	assert.Positive(t, stats.BytesSaved)
	assert.Equal(t, s.PoolStats().Used, stats.Size)

	_, ok = s.Get(ctx, "missing", GetOptions{})
	assert.False(t, ok)
	assert.Equal(t, uint64(1), s.Stats().Misses)
}

func TestReturnedValueIsCallerOwned(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, DefaultConfig(), memkv.New())

	require.True(t, s.Set(ctx, "k", []byte("abc"), SetOptions{}))
	got, ok := s.Get(ctx, "k", GetOptions{})
	require.True(t, ok)
	got[0] = 'z'

	again, ok := s.Get(ctx, "k", GetOptions{ValidateIntegrity: true})
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), again)
}

func TestSetReplacesAndBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, smallConfig(false), nil)

	require.True(t, s.Set(ctx, "k", make([]byte, 30), SetOptions{}))
	require.True(t, s.Set(ctx, "k", make([]byte, 50), SetOptions{}))

	info, ok := s.GetEntry(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, int64(2), info.Version)
	assert.Equal(t, int64(50), s.PoolStats().Used, "old allocation must be released")

	// too large for the usable budget: the key ends up uncached
	assert.False(t, s.Set(ctx, "k", make([]byte, 95), SetOptions{}))
	_, ok = s.Get(ctx, "k", GetOptions{})
	assert.False(t, ok)
	assert.Zero(t, s.PoolStats().Used)
	assert.Equal(t, uint64(1), s.Stats().AllocationDenied)
}

func TestTTLExpiryFreesPool(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	s, clock, _ := newTestStore(t, DefaultConfig(), kv)

	value := randomBytes(2048, 42)
	require.True(t, s.Set(ctx, "profile:42", value, SetOptions{
		TTL:      1000 * time.Millisecond,
		Priority: PriorityLow,
		Persist:  true,
	}))
	assert.Equal(t, int64(2048), s.PoolStats().Used)

	clock.Advance(1000 * time.Millisecond)
	_, ok := s.Get(ctx, "profile:42", GetOptions{})
	assert.True(t, ok, "exactly at expiry the entry is still live")

	clock.Advance(1 * time.Millisecond)
	got, ok := s.Get(ctx, "profile:42", GetOptions{})
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.Zero(t, s.PoolStats().Used)

	keys, err := kv.ListKeys(ctx, DiskPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys, "expired entry must be purged from the disk tier too")
}

func TestPoolScenarioEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	s, clock, rec := newTestStore(t, smallConfig(false), nil)

	for _, key := range []string{"a", "b", "c"} {
		require.True(t, s.Set(ctx, key, make([]byte, 40), SetOptions{Priority: PriorityMedium}), key)
		assert.LessOrEqual(t, s.PoolStats().Used, int64(90))
		clock.Advance(time.Millisecond)
	}

	_, ok := s.Get(ctx, "a", GetOptions{})
	assert.False(t, ok, "a was least recently used")
	_, ok = s.Get(ctx, "b", GetOptions{})
	assert.True(t, ok)
	_, ok = s.Get(ctx, "c", GetOptions{})
	assert.True(t, ok)

	assert.Equal(t, int64(80), s.PoolStats().Used)
	assert.Equal(t, uint64(1), s.Stats().Evictions)

	events := rec.named(EventEviction)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].props["key"])
	assert.Equal(t, "priority_lru", events[0].props["policy"])
	assert.Equal(t, false, events[0].props["demoted"])
}

func TestRecentAccessProtectsFromEviction(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t, smallConfig(false), nil)

	require.True(t, s.Set(ctx, "a", make([]byte, 40), SetOptions{Priority: PriorityMedium}))
	clock.Advance(time.Millisecond)
	require.True(t, s.Set(ctx, "b", make([]byte, 40), SetOptions{Priority: PriorityMedium}))
	clock.Advance(time.Millisecond)

	_, ok := s.Get(ctx, "a", GetOptions{})
	require.True(t, ok)
	clock.Advance(time.Millisecond)

	require.True(t, s.Set(ctx, "c", make([]byte, 40), SetOptions{Priority: PriorityMedium}))
	assert.Equal(t, []string{"a", "c"}, s.Keys())
}

func TestLowEvictedBeforeMedium(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t, smallConfig(false), nil)

	require.True(t, s.Set(ctx, "medium-old", make([]byte, 40), SetOptions{Priority: PriorityMedium}))
	clock.Advance(time.Millisecond)
	require.True(t, s.Set(ctx, "low-new", make([]byte, 40), SetOptions{Priority: PriorityLow}))
	clock.Advance(time.Millisecond)
	require.True(t, s.Set(ctx, "x", make([]byte, 40), SetOptions{Priority: PriorityMedium}))

	assert.Equal(t, []string{"medium-old", "x"}, s.Keys())
}

func TestCriticalNeverEvicted(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := newTestStore(t, smallConfig(false), nil)

	require.True(t, s.Set(ctx, "c1", make([]byte, 40), SetOptions{Priority: PriorityCritical}))
	clock.Advance(time.Millisecond)
	require.True(t, s.Set(ctx, "m1", make([]byte, 40), SetOptions{Priority: PriorityMedium}))
	clock.Advance(time.Millisecond)

	require.True(t, s.Set(ctx, "m2", make([]byte, 40), SetOptions{Priority: PriorityMedium}))
	assert.Equal(t, []string{"c1", "m2"}, s.Keys())

	require.True(t, s.Set(ctx, "c2", make([]byte, 40), SetOptions{Priority: PriorityCritical}))
	assert.Equal(t, []string{"c1", "c2"}, s.Keys())

	// nothing evictable remains
	assert.False(t, s.Set(ctx, "m3", make([]byte, 40), SetOptions{Priority: PriorityHigh}))
	assert.Equal(t, []string{"c1", "c2"}, s.Keys())
	assert.Equal(t, int64(80), s.PoolStats().Used)
}

func TestHighEvictedLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	s, clock, rec := newTestStore(t, smallConfig(false), nil)

	require.True(t, s.Set(ctx, "old", make([]byte, 40), SetOptions{Priority: PriorityHigh}))
	clock.Advance(time.Millisecond)
	for i := 0; i < 3; i++ {
		_, ok := s.Get(ctx, "old", GetOptions{})
		require.True(t, ok)
	}
	clock.Advance(time.Millisecond)
	require.True(t, s.Set(ctx, "recent", make([]byte, 40), SetOptions{Priority: PriorityHigh}))
	clock.Advance(time.Millisecond)

	require.True(t, s.Set(ctx, "new", make([]byte, 40), SetOptions{Priority: PriorityLow}))
	assert.Equal(t, []string{"new", "recent"}, s.Keys())

	events := rec.named(EventEviction)
	require.Len(t, events, 1)
	assert.Equal(t, "old", events[0].props["key"])
	assert.Equal(t, "priority_lru", events[0].props["policy"])
}

func TestEvictedEntriesAreDemotedAndPromoted(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	s, clock, rec := newTestStore(t, smallConfig(true), kv)

	for _, key := range []string{"a", "b", "c"} {
		require.True(t, s.Set(ctx, key, bytes.Repeat([]byte(key), 40), SetOptions{Priority: PriorityMedium}))
		clock.Advance(time.Millisecond)
	}

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Demotions)
	assert.Equal(t, 1, stats.DiskEntries)
	assert.Equal(t, true, rec.named(EventEviction)[0].props["demoted"])

	info, ok := s.GetEntry(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, TierDisk, info.Tier)

	// served from disk; no room to promote
	got, ok := s.Get(ctx, "a", GetOptions{})
	require.True(t, ok)
	assert.Equal(t, bytes.Repeat([]byte("a"), 40), got)
	assert.Zero(t, s.Stats().Promotions)

	require.True(t, s.Delete(ctx, "b"))
	got, ok = s.Get(ctx, "a", GetOptions{})
	require.True(t, ok)
	assert.Equal(t, bytes.Repeat([]byte("a"), 40), got)
	assert.Equal(t, uint64(1), s.Stats().Promotions)

	info, ok = s.GetEntry(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, TierMemory, info.Tier)
	assert.Equal(t, int64(80), s.PoolStats().Used)
	assert.Len(t, rec.named(EventPromotion), 1)
}

func TestMemoryCorruptionIsMiss(t *testing.T) {
	ctx := context.Background()
	s, _, rec := newTestStore(t, DefaultConfig(), memkv.New())

	value := []byte("authoritative value")
	require.True(t, s.Set(ctx, "k", value, SetOptions{Persist: true}))

	s.mu.Lock()
	s.entries["k"].Value[0] ^= 0xff
	s.mu.Unlock()

	got, ok := s.Get(ctx, "k", GetOptions{ValidateIntegrity: true})
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.Zero(t, s.PoolStats().Used)
	assert.Equal(t, uint64(1), s.Stats().IntegrityFailures)
	require.Len(t, rec.named(EventIntegrityFailure), 1)
	assert.Equal(t, "memory", rec.named(EventIntegrityFailure)[0].props["tier"])

	_, ok = s.Get(ctx, "k", GetOptions{})
	assert.False(t, ok, "corrupt entries are purged from every tier")
}

func TestCompressedCorruptionIsMiss(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, DefaultConfig(), memkv.New())

	value := bytes.Repeat([]byte("compress me "), 512)
	require.True(t, s.Set(ctx, "k", value, SetOptions{}))

	s.mu.Lock()
	e := s.entries["k"]
	require.True(t, e.Compressed)
	e.Value[len(e.Value)/2] ^= 0xff
	s.mu.Unlock()

	_, ok := s.Get(ctx, "k", GetOptions{ValidateIntegrity: true})
	assert.False(t, ok)
}

func TestDiskCorruptionIsMissAfterRestart(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	s, _, _ := newTestStore(t, DefaultConfig(), kv)

	require.True(t, s.Set(ctx, "k", []byte("on disk"), SetOptions{Persist: true}))

	raw, err := kv.Get(ctx, DiskPrefix+"k")
	require.NoError(t, err)
	var rec Entry
	require.NoError(t, json.Unmarshal(raw, &rec))
	rec.Value = []byte("on dusk")
	raw, err = json.Marshal(&rec)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, DiskPrefix+"k", raw))

	restarted, _, events := newTestStore(t, DefaultConfig(), kv)
	require.NoError(t, restarted.Load(ctx))

	// disk reads are verified even when the caller did not ask
	_, ok := restarted.Get(ctx, "k", GetOptions{})
	assert.False(t, ok)
	assert.Equal(t, uint64(1), restarted.Stats().IntegrityFailures)
	assert.Len(t, events.named(EventIntegrityFailure), 1)

	_, err = kv.Get(ctx, DiskPrefix+"k")
	assert.ErrorIs(t, err, types.ErrKeyNotFound)
}

func TestLoadDropsUndecodableRecords(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	require.NoError(t, kv.Set(ctx, DiskPrefix+"junk", []byte("{not json")))

	s, _, _ := newTestStore(t, DefaultConfig(), kv)
	require.NoError(t, s.Load(ctx))
	assert.Zero(t, s.Stats().DiskEntries)
	assert.Zero(t, kv.Len())
}

func TestRestartPromotesAndContinuesVersions(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	first, _, _ := newTestStore(t, DefaultConfig(), kv)

	require.True(t, first.Set(ctx, "k", []byte("v1"), SetOptions{Persist: true}))
	require.True(t, first.Set(ctx, "k", []byte("v2"), SetOptions{Persist: true}))

	second, _, _ := newTestStore(t, DefaultConfig(), kv)
	require.NoError(t, second.Load(ctx))
	assert.Equal(t, []string{"k"}, second.Keys())

	got, ok := second.Get(ctx, "k", GetOptions{})
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)
	assert.Equal(t, uint64(1), second.Stats().Promotions)

	require.True(t, second.Set(ctx, "k", []byte("v3"), SetOptions{}))
	info, ok := second.GetEntry(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, int64(3), info.Version)
}

func TestVolatileSetDropsOlderDiskRecord(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	first, _, _ := newTestStore(t, DefaultConfig(), kv)

	require.True(t, first.Set(ctx, "k", []byte("v1"), SetOptions{Persist: true}))
	require.True(t, first.Set(ctx, "k", []byte("v2"), SetOptions{}))
	assert.Zero(t, kv.Len())

	second, _, _ := newTestStore(t, DefaultConfig(), kv)
	require.NoError(t, second.Load(ctx))
	_, ok := second.Get(ctx, "k", GetOptions{ValidateIntegrity: true})
	assert.False(t, ok, "v1 must not come back after a restart")
}

func TestDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	s, _, _ := newTestStore(t, DefaultConfig(), kv)

	require.True(t, s.Set(ctx, "a", []byte("1"), SetOptions{Persist: true}))
	require.True(t, s.Set(ctx, "b", []byte("2"), SetOptions{}))

	assert.True(t, s.Delete(ctx, "a"))
	assert.False(t, s.Delete(ctx, "a"))
	_, ok := s.Get(ctx, "a", GetOptions{})
	assert.False(t, ok)

	require.True(t, s.Set(ctx, "c", []byte("3"), SetOptions{Persist: true}))
	require.NoError(t, s.Clear(ctx))
	assert.Empty(t, s.Keys())
	assert.Zero(t, s.PoolStats().Used)
	assert.Zero(t, kv.Len())
}

func TestCollectGarbage(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	s, clock, rec := newTestStore(t, DefaultConfig(), kv)

	require.True(t, s.Set(ctx, "short", make([]byte, 100), SetOptions{TTL: time.Second, Persist: true}))
	require.True(t, s.Set(ctx, "long", make([]byte, 200), SetOptions{TTL: time.Hour}))
	require.True(t, s.Set(ctx, "forever", make([]byte, 300), SetOptions{}))

	clock.Advance(2 * time.Second)
	result := s.CollectGarbage(ctx)

	assert.False(t, result.Skipped)
	assert.Equal(t, 1, result.MemoryPurged)
	assert.Equal(t, 1, result.DiskPurged)
	assert.Equal(t, int64(100), result.FreedBytes)
	assert.Equal(t, 2, result.Repacked)
	assert.Equal(t, int64(500), s.PoolStats().Used)
	assert.Equal(t, []string{"forever", "long"}, s.Keys())
	assert.Len(t, rec.named(EventGC), 1)
}

// hookContext runs hook on the first Err call
type hookContext struct {
	context.Context
	once sync.Once
	hook func()
}

func (c *hookContext) Err() error {
	c.once.Do(c.hook)
	return c.Context.Err()
}

func TestCollectGarbageKeepsRecordRewrittenDuringSweep(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	s, clock, _ := newTestStore(t, DefaultConfig(), kv)

	require.True(t, s.Set(ctx, "k", []byte("stale"), SetOptions{TTL: time.Second, Persist: true}))
	clock.Advance(2 * time.Second)

	// the rewrite lands after the expired keys were listed
	sweep := &hookContext{Context: ctx, hook: func() {
		require.True(t, s.Set(ctx, "k", []byte("fresh"), SetOptions{TTL: time.Hour, Persist: true}))
	}}
	result := s.CollectGarbage(sweep)

	assert.Equal(t, 1, result.MemoryPurged)
	assert.Zero(t, result.DiskPurged)
	assert.Equal(t, 1, kv.Len())

	restarted, _, _ := newTestStore(t, DefaultConfig(), kv)
	require.NoError(t, restarted.Load(ctx))
	got, ok := restarted.Get(ctx, "k", GetOptions{ValidateIntegrity: true})
	require.True(t, ok)
	assert.Equal(t, []byte("fresh"), got)
}

func TestDefragmentRederivesPoolUsage(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, DefaultConfig(), memkv.New())

	require.True(t, s.Set(ctx, "a", make([]byte, 10), SetOptions{}))
	require.True(t, s.Set(ctx, "b", make([]byte, 30), SetOptions{}))

	// drift the accounting, as a lost deallocation would
	s.pool.Reset(1000)
	assert.Equal(t, 2, s.Defragment())
	assert.Equal(t, int64(40), s.PoolStats().Used)

	got, ok := s.Get(ctx, "b", GetOptions{ValidateIntegrity: true})
	require.True(t, ok)
	assert.Len(t, got, 30)
}

func TestCheckMemoryPressure(t *testing.T) {
	ctx := context.Background()
	config := smallConfig(false)
	config.PressureThreshold = 0.5
	s, clock, _ := newTestStore(t, config, nil)

	require.True(t, s.Set(ctx, "a", make([]byte, 30), SetOptions{TTL: time.Second}))
	assert.False(t, s.CheckMemoryPressure(ctx))

	require.True(t, s.Set(ctx, "b", make([]byte, 30), SetOptions{TTL: time.Second}))
	clock.Advance(2 * time.Second)
	assert.True(t, s.CheckMemoryPressure(ctx))
	assert.Zero(t, s.PoolStats().Used)
	assert.Equal(t, uint64(1), s.PressureStats().Triggers)
}

func TestStartSchedulesMaintenance(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig()
	config.GCInterval = time.Minute
	config.PressureInterval = 10 * time.Second

	clock := scheduler.NewManualClock(epoch)
	sched := scheduler.NewManual(clock)
	s, err := New(config, Options{KV: memkv.New(), Clock: clock})
	require.NoError(t, err)

	stop := s.Start(sched)
	assert.Equal(t, []string{TaskGC, TaskPressure}, sched.Names())

	require.True(t, s.Set(ctx, "k", make([]byte, 64), SetOptions{TTL: 30 * time.Second}))
	sched.Advance(ctx, time.Minute)
	assert.Zero(t, s.PoolStats().Used, "the GC sweep purges the expired entry")

	stop()
	assert.Empty(t, sched.Names())
}

func TestCollectGarbageSkipsWhenRunning(t *testing.T) {
	s, _, _ := newTestStore(t, DefaultConfig(), memkv.New())

	s.gcRunning.Store(true)
	assert.True(t, s.CollectGarbage(context.Background()).Skipped)
	s.gcRunning.Store(false)
	assert.False(t, s.CollectGarbage(context.Background()).Skipped)
}

func TestAllocationInvariantAcrossOperations(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig()
	config.Pool = buffer.PoolConfig{Available: 4096, Reserved: 409}
	s, clock, _ := newTestStore(t, config, memkv.New())

	rng := rand.New(rand.NewSource(99))
	priorities := []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}
	for i := 0; i < 2000; i++ {
		key := string(rune('a' + rng.Intn(26)))
		switch rng.Intn(4) {
		case 0:
			s.Delete(ctx, key)
		case 1:
			s.Get(ctx, key, GetOptions{ValidateIntegrity: true})
		default:
			s.Set(ctx, key, randomBytes(rng.Intn(900), int64(i)), SetOptions{
				Priority: priorities[rng.Intn(len(priorities))],
				Persist:  rng.Intn(2) == 0,
			})
		}
		clock.Advance(time.Millisecond)
		require.LessOrEqual(t, s.PoolStats().Used, int64(4096-409))
	}

	var held int64
	s.mu.Lock()
	for _, e := range s.entries {
		held += e.Size
	}
	s.mu.Unlock()
	assert.Equal(t, held, s.PoolStats().Used)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, DefaultConfig(), memkv.New())

	type profile struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}
	require.True(t, SetJSON(ctx, s, "profile:1", profile{Name: "Ada", Age: 36}, SetOptions{}))

	got, ok := GetJSON[profile](ctx, s, "profile:1", GetOptions{})
	require.True(t, ok)
	assert.Equal(t, profile{Name: "Ada", Age: 36}, got)

	require.True(t, s.Set(ctx, "bad", []byte("not json"), SetOptions{}))
	_, ok = GetJSON[profile](ctx, s, "bad", GetOptions{})
	assert.False(t, ok)

	assert.False(t, SetJSON(ctx, s, "chan", make(chan int), SetOptions{}))
}
