package storage

import (
	"context"
	"fmt"
	"time"
)

// Ledger records delivered item ids. It has a single logical owner (the sync
// engine); implementations are nevertheless safe for concurrent readers such
// as the ops endpoint.
type Ledger interface {
	IsDelivered(id string) bool
	// MarkDelivered persists id before returning. On I/O failure the id is
	// still remembered in memory and a *StoreError is returned.
	MarkDelivered(ctx context.Context, id string) error
	Len() int
	Close() error
}

// Config configures the ledger.
//
// Driver values:
//   - "file" (default): JSON document at Path
//   - "sqlite": SQLite database at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// StoreError wraps a backing-store failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
