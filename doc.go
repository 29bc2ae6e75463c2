// Package outbox provides a transactional outbox drain engine with pluggable storage and locking backends.
//
// Typical flow:
//  1. Build events with NewEvent and insert them inside the business transaction (the stores'
//     InsertWith), or let an Enqueuer apply the type's save settings and first delay.
//  2. Register one Handler per event type and run a Relay. The Relay fires one drain cycle per event type,
//     rescheduling itself adaptively (tight cadence while busy, slow cadence while idle or contended).
//  3. Each cycle fetches a batch, dispatches it across the type's bounded worker Pool and persists the
//     outcome: processed events are deleted, failed events are rescheduled with backoff or disabled.
//
// Single-instance deployments use LocalLocker with SingleInstanceSource. Deployments with several
// instances use the redis package (Locker and ClaimStash) with DistributedSource so that rows fetched
// by one instance are not re-fetched by another before they are committed.
//
// For storage implementations, see the mysql and postgres packages.
package outbox
