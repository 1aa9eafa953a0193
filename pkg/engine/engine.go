// Package engine declares the contract the adapter expects from an embedded
// CRDT-enabled SQLite engine: prepared statements, one-shot exec, an
// imperative transaction primitive, table-update callbacks, changeset
// pull/apply, and a continuous sync channel.
package engine

import (
	"context"

	"github.com/livelite/livelite/pkg/changeset"
)

// ChangeOp classifies a table-update callback.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// UpdateFunc receives one table-update event. Events for mutations inside a
// transaction are delivered after the transaction commits.
type UpdateFunc func(op ChangeOp, dbName, table string)

// Engine is the embedded database the adapter drives. Implementations
// serialize statement execution; callers may invoke methods from multiple
// goroutines.
type Engine interface {
	// Prepare compiles sql into a reusable statement.
	Prepare(ctx context.Context, sql string) (Stmt, error)

	// Exec runs a one-shot statement, discarding any rows.
	Exec(ctx context.Context, sql string, args ...any) error

	// Begin opens an imperative transaction. Exactly one of Commit or
	// Rollback must be called on the returned token.
	Begin(ctx context.Context) (Tx, error)

	// OnUpdate registers a table-update callback and returns its
	// unsubscribe function.
	OnUpdate(fn UpdateFunc) (unsubscribe func())

	// PullChanges returns all change tuples with a database version
	// strictly greater than sinceVersion, in version order.
	PullChanges(ctx context.Context, sinceVersion int64) ([]changeset.Change, error)

	// ApplyChanges merges a peer's change tuples into local state and fires
	// update callbacks for every touched table.
	ApplyChanges(ctx context.Context, changes []changeset.Change) error

	// Sync opens the continuous live-sync channel. Connection management,
	// retry and authentication are the engine's responsibility.
	Sync(ctx context.Context, opts SyncOptions) (SyncHandle, error)
}

// Stmt is one compiled statement owned by the engine.
type Stmt interface {
	// Exec runs the statement, discarding rows.
	Exec(ctx context.Context, args ...any) error

	// Query runs the statement and materializes the full result set.
	Query(ctx context.Context, args ...any) (Rows, error)

	// Finalize releases the compiled statement. Safe to call more than
	// once; only the first call does work.
	Finalize() error
}

// Rows is a fully materialized result set in raw array form.
type Rows struct {
	Columns []string
	Values  [][]any
}

// Tx is an imperative transaction token.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SyncOptions configures the continuous sync channel. Endpoint is a
// WebSocket URL (ws:// or wss://).
type SyncOptions struct {
	Endpoint  string
	DBName    string
	AuthToken string
}

// SyncHandle tears down a live sync channel.
type SyncHandle interface {
	Close() error
}
