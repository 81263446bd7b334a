// Package model defines the watch-docker API shapes shared across the
// client.
//
// Conventions:
//   - JSON field names follow the server (camelCase)
//   - Sizes and rates are bytes and bytes per second
//   - Live channel timestamps are whatever the server sends (Unix seconds today)
//   - Stats history rows carry microseconds since the Unix epoch
package model
