// Package eventplane provides the event backbone for a multi-tenant
// workflow engine: a canonical event envelope plus the subpackages that
// move it through the system.
//
// The envelope defined here is the single record shared by every layer:
//   - store: durable append-only event store with global positions
//   - resilient: retry, circuit breaker, and DLQ protection around the store
//   - ordering: per-partition buffering, sorting, and deduplication
//   - routing: cross-service delivery with per-source sequences
//   - dispatch: the front door fanning events out to subscribers
//   - saga: long-running multi-step operations with compensation
//
// Design Influences:
//   - EventStoreDB (append-only log, global positions, snapshots)
//   - AWS EventBridge (dead letter queues, cross-service routing)
//   - Apache Kafka (partitioned ordering, deduplication)
//   - Microservices.io Saga Pattern (orchestration with compensation)
package eventplane
