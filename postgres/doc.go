// Package postgres provides a PostgreSQL implementation of outbox.Store using github.com/lib/pq.
//
// Identifier sets are bound as uuid[] arrays (pq.Array), so exclusion and deletion use a fixed
// statement text regardless of how many ids are involved. Updates apply a whole chunk in one
// statement by joining the table against unnest()ed parameter arrays.
package postgres
