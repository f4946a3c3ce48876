/*
Package outbox is the types.SyncQueue that carries optimistic updates and
resolved entities to the remote store.

Enqueue never blocks: items go to an in-memory queue bounded by Capacity and
anything that does not fit is dropped and counted. A background loop
flushes the queue every FlushInterval, or as soon as a full batch is
waiting. Each flush partitions items into lanes by entity, so updates to one
entity are delivered in order while unrelated entities proceed in parallel.

Every Send passes through three guards:

	rate limiter  ->  circuit breaker  ->  retry with backoff  ->  Transport

A batch that still fails goes back to the head of the queue. While the
breaker is open flushes do not touch the network at all.

The remote's verdict per item is reported to a Handler, which the durable
layer uses to commit or roll back optimistic updates and to feed conflicts
back into the resolver.
*/
package outbox
