// Package state holds the dashboard's cached view of server entities.
//
// Merge is the only way a refresh batch reaches a cached collection: it
// overlays incoming records field by field and never drops entities or
// fields the batch does not mention. Store wraps a collection with
// observers, stale-batch filtering and explicit deletion.
package state
