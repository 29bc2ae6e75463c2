// Package mysql provides a MySQL 8.0+ implementation of outbox.Store.
//
// Eligible events are read with a plain indexed scan over (event_type, status, run_time):
// mutual exclusion between relay instances is the job of the outbox lockers and claim stash,
// not of row locks. Mutations are chunked so that a single statement never touches more than
// outbox.MutationChunkSize rows.
//
// Identifiers are stored as BINARY(16). Open connections with parseTime=true so that
// TIMESTAMP columns scan into time.Time.
//
// See Schema (JSON payloads) or SchemaBinary (raw bytes), and CleanupMaintainer for periodic
// removal of DISABLED events.
package mysql
