// Package writer implements the stats history writer.
//
// StatsWriter subscribes to "stats" frames, converts each sample into a
// row and inserts rows in batches. Writes are append-only; a sample
// already stored for the same container and timestamp is skipped.
package writer
