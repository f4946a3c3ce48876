/*
Package durable assembles the durastore services into one Layer.

A Layer owns a persistence medium chosen by storage.backend (memory, file,
sqlite, s3 or redis) and builds on it:

  - Cache: the tiered, memory-budgeted cache
  - Entities, Updates, Conflicts, Backups: the entity store with
    optimistic updates, conflict resolution and backups
  - Outbox: batched delivery of sync items to the remote, present only
    when a Transport is supplied
  - Metrics: the Prometheus collector, also fed every event
  - Health: storage, cache and sync health, checked every
    global.health_interval

With global.admin_address set, Start also serves the admin API of package
api. With global.log_file set, logs go to a size-rotated file instead of
stderr.

Typical use:

	cfg, err := config.Load("durastore.yaml")
	if err != nil {
		return err
	}
	layer, err := durable.New(ctx, cfg, durable.Options{Transport: remote})
	if err != nil {
		return err
	}
	if err := layer.Start(ctx); err != nil {
		return err
	}
	defer layer.Close(context.Background())

	id, err := layer.Updates.Create(ctx, "n1", "note", entity.OpCreate, note)

The outbox reports each delivered item back to the Layer, which commits
the matching optimistic update. A rejected item is rolled back, except a
CONFLICT_UNRESOLVED rejection carrying the server copy: the local change
is kept and both versions go to the conflict resolver.
*/
package durable
