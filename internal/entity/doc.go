/*
Package entity provides the optimistic-concurrency entity store of
durastore.

Entities are versioned records keyed by (type, id) whose payload is a
field map validated against the schema registered for the type. Four
services share one Store:

  - Store holds the entity map and mirrors each entity to a types.KVStore
    under "entity/<type>/<id>".
  - OptimisticManager applies local writes immediately, queues them for
    sync and later commits or rolls them back.
  - ConflictResolver compares authoritative server data with the local
    copy field by field and settles divergences automatically or on
    request.
  - BackupManager keeps a ring of checksummed snapshots and restores them
    atomically.

Update lifecycle:

	Create ──► pending ──┬── Commit ──► committed
	                     └── Rollback ─► failed

Committed and failed updates are immutable; settling them again is a
logged no-op.

Usage:

	store := entity.NewStore(entity.StoreOptions{KV: kv, Logger: logger})
	_ = store.RegisterSchema("profile", schema)

	updates := entity.NewOptimisticManager(store, entity.DefaultOptimisticConfig(),
		entity.ManagerOptions{Queue: outbox})
	id, err := updates.Create(ctx, "42", "profile", entity.OpUpdate, map[string]interface{}{"name": "Ada"})
*/
package entity
