/*
Package types holds the contracts shared by the durastore services.

The cache and the entity store never talk to a concrete database, network
client or analytics SDK. They depend on the small interfaces defined here:

	KVStore        byte-oriented persistence medium (memory, file, SQLite, S3, Redis)
	SyncQueue      fire-and-forget hand-off to the remote sync transport
	EventRecorder  one-way analytics/event sink
	Clock          wall-clock abstraction
	Scheduler      periodic task runner with re-entrancy protection

Keys written by the services are namespaced: cache/ for the disk tier,
entity/ for entity records and backup/ for persisted backup points.
*/
package types
