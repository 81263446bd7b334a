// Package database provides the PostgreSQL connection pool for the
// optional stats history.
//
// Only one table is written: container_stats, an append-only log of
// resource samples keyed by (container_id, sampled_at).
package database
