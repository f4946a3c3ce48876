/*
Package config loads durastore configuration.

Sources are applied in order, each overriding the previous:

 1. compiled-in defaults (NewDefault)
 2. a YAML file (LoadFromFile)
 3. DURASTORE_* environment variables (LoadFromEnv)

Environment names follow the YAML structure, upper-cased, with each section
contributing a prefix:

	DURASTORE_LOG_LEVEL=DEBUG
	DURASTORE_CACHE_MEMORY_BUDGET=256MB
	DURASTORE_CACHE_COMPRESSION_ALGORITHM=s2
	DURASTORE_STORAGE_BACKEND=sqlite
	DURASTORE_STORAGE_PATH=/var/lib/app/durastore.db
	DURASTORE_STORAGE_S3_BUCKET=app-durable
	DURASTORE_OUTBOX_BREAKER_TIMEOUT=1m

Byte sizes are strings parsed by utils.ParseBytes ("64MB", "1KB"). Durations
use time.ParseDuration syntax in both YAML and the environment.

Example file:

	global:
	  log_level: INFO
	  client_id: device-7
	cache:
	  memory_budget: 128MB
	  default_ttl: 10m
	  compression:
	    enabled: true
	    algorithm: zstd
	    threshold: 1KB
	entity:
	  max_pending: 200
	  auto_resolve_margin: 1m
	storage:
	  backend: file
	  path: /var/lib/app/durastore
	outbox:
	  batch_size: 25
	  retry:
	    max_attempts: 5

Validate reports problems as an INVALID_CONFIG DurableError. Watch re-runs
the full load whenever the file changes.
*/
package config
