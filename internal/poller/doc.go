// Package poller implements the REST refresh loop.
//
// The poller:
//   - Lists containers through the share-first "containers" key, so it
//     joins any list request the dashboard already has in flight
//   - Fetches a stats snapshot for the known containers in parallel
//   - Merges results into the same stores the live channel feeds, so
//     REST-only fields survive live updates and vice versa
//   - Never deletes: absence from a refresh is not a removal
package poller
