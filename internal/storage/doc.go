// Package storage implements the durable dedup ledger: the set of source item
// ids that were already delivered to the destination.
//
// Drivers:
//   - "file": a single JSON document rewritten atomically on every mark
//   - "sqlite": one row per delivered id (modernc.org/sqlite, no cgo)
//
// Both drivers keep an in-memory mirror of the set. Loading tolerates a
// missing or corrupt backing store by starting empty. A failed write still
// records the id in memory and surfaces a *StoreError.
package storage
