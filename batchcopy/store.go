package batchcopy

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store is a pooled connection to the database that COPY batches are written to.
// The engine holds at most one transaction at a time.
type Store interface {
	// Check runs the pre-flight statement; it must succeed and return no rows
	Check(ctx context.Context, stmt string) error
	// Begin checks out a live connection and opens a transaction on it
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is a transaction on a checked out connection.
// Commit and Rollback return the connection to the pool.
type Tx interface {
	// CopyIn opens a COPY ... FROM STDIN bulk load inside the transaction
	CopyIn(ctx context.Context, stmt string, types []ColumnType) (Sink, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Sink accepts encoded rows for one COPY
type Sink interface {
	// WriteRow submits one row of values normalized by EncodeRow
	WriteRow(ctx context.Context, values []any) error
	// Close finalizes the COPY and returns the number of rows loaded
	Close(ctx context.Context) (int64, error)
}

// Opener opens a store for the configuration
type Opener func(ctx context.Context, cfg Config) (Store, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Opener)
)

// Register makes a store driver available by name.
// It panics when called twice for the same name or with a nil opener.
func Register(name string, open Opener) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if open == nil {
		panic("batchcopy: Register opener is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("batchcopy: Register called twice for driver " + name)
	}
	drivers[name] = open
}

// Drivers returns a sorted list of the registered driver names
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func openStore(ctx context.Context, cfg Config) (Store, error) {
	driversMu.RLock()
	open, ok := drivers[cfg.Driver]
	driversMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (forgotten import?)", ErrUnknownDriver, cfg.Driver)
	}
	return open(ctx, cfg)
}
