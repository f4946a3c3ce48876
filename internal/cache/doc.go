/*
Package cache provides the tiered, memory-budgeted cache of durastore.

The cache keeps serialized values in two tiers:

	┌─────────────────────────────────────────────┐
	│                 Store API                   │
	│   Set / Get / Delete / Clear / GetEntry     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              Memory tier                    │
	│   • bounded by buffer.MemoryPool            │
	│   • priority + LRU, then frequency eviction │
	│   • critical entries never evicted          │
	└─────────────────────────────────────────────┘
	                      │ demote / promote
	┌─────────────────────────────────────────────┐
	│               Disk tier                     │
	│   • JSON records under "cache/" in a        │
	│     types.KVStore                           │
	│   • always checksum-verified on read        │
	└─────────────────────────────────────────────┘

# Values

Values above CompressorConfig.Threshold are compressed (zstd by default;
s2, gzip and brotli are also available) and kept compressed only when the
result is at least MinSavings smaller. An entry's Size is the length of the
bytes actually held. Its Checksum is the xxhash64 of the uncompressed bytes,
so integrity checks are independent of the codec.

# Failure semantics

A Set that cannot be satisfied after one round of eviction returns false and
leaves the key uncached. Expired entries, checksum mismatches and undecodable
records are purged and reported as misses; nothing is returned as an error
for a miss.

# Maintenance

CollectGarbage purges expired entries from both tiers and repacks the memory
tier. CheckMemoryPressure runs it early when pool utilization crosses the
pressure threshold. Start registers both with a types.Scheduler.

Usage:

	store, err := cache.New(cache.DefaultConfig(), cache.Options{KV: kv, Logger: logger})
	if err != nil {
		return err
	}
	stop := store.Start(sched)
	defer stop()

	store.Set(ctx, "profile:42", data, cache.SetOptions{TTL: time.Minute, Priority: cache.PriorityLow})
	if v, ok := store.Get(ctx, "profile:42", cache.GetOptions{ValidateIntegrity: true}); ok {
		use(v)
	}
*/
package cache
