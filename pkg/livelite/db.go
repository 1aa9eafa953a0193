// Package livelite is the reactive, local-first database facade: a typed
// query-builder surface over a CRDT-enabled embedded engine, live queries
// whose results stay current as tables change, and snapshot plus continuous
// sync.
package livelite

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/livelite/livelite/internal/logutil"
	"github.com/livelite/livelite/pkg/changeset"
	"github.com/livelite/livelite/pkg/driver"
	"github.com/livelite/livelite/pkg/engine"
	"github.com/livelite/livelite/pkg/qb"
)

// Config carries facade construction options. A nil Logger disables logging;
// DefaultLogger gives the production logger.
type Config struct {
	Schema qb.Schema
	Logger *zap.Logger
}

// DefaultLogger builds the standard production logger.
func DefaultLogger() *zap.Logger { return logutil.Default() }

// DB combines the query-builder surface with the reactive and sync surfaces.
// It owns the session, the live-query registry, and the engine update-hook
// subscription.
type DB struct {
	eng      engine.Engine
	sess     *driver.Session
	log      *zap.Logger
	schema   qb.Schema
	registry *registry
	unsub    func()
}

// New builds a facade over eng. The schema may be empty.
func New(eng engine.Engine, cfg Config) (*DB, error) {
	if eng == nil {
		return nil, usageErrorf("livelite: engine handle is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	db := &DB{
		eng:      eng,
		sess:     driver.NewSession(eng, log),
		log:      log,
		schema:   cfg.Schema,
		registry: newRegistry(),
	}
	db.unsub = eng.OnUpdate(db.route)
	return db, nil
}

// route is the change router: every engine table-change callback is a hint
// to recompute the live queries that read the table.
func (db *DB) route(op engine.ChangeOp, dbName, table string) {
	table = strings.ToLower(table)
	db.log.Debug("table change",
		logutil.Values(zap.String("op", string(op)),
			zap.String("db", dbName), zap.String("table", table)))
	db.registry.forEach(func(r *Result) {
		if r.dependsOn(table) {
			r.scheduleRefetch()
		}
	})
}

// Engine exposes the raw engine handle as an escape hatch.
func (db *DB) Engine() engine.Engine { return db.eng }

// Schema returns the table definitions the facade was built with.
func (db *DB) Schema() qb.Schema { return db.schema }

// Session exposes the facade's session for callers layered on top.
func (db *DB) Session() *driver.Session { return db.sess }

// Close detaches the update-hook subscription. Live queries stop receiving
// change hints; the engine itself stays open and is the caller's to close.
func (db *DB) Close() error {
	if db.unsub != nil {
		db.unsub()
		db.unsub = nil
	}
	return nil
}

// CreateTables creates every schema table that does not exist yet.
func (db *DB) CreateTables(ctx context.Context) error {
	for _, t := range db.schema {
		if err := db.sess.Exec(ctx, t.CreateSQL()); err != nil {
			return err
		}
	}
	return nil
}

// Select starts a SELECT builder; execute it with All or Get.
func (db *DB) Select(cols ...string) *qb.SelectBuilder { return qb.Select(cols...) }

// InsertInto starts an INSERT builder; execute it with Exec.
func (db *DB) InsertInto(table string) *qb.InsertBuilder { return qb.Insert(table) }

// Update starts an UPDATE builder; execute it with Exec.
func (db *DB) Update(table string) *qb.UpdateBuilder { return qb.Update(table) }

// DeleteFrom starts a DELETE builder; execute it with Exec.
func (db *DB) DeleteFrom(table string) *qb.DeleteBuilder { return qb.Delete(table) }

// All runs q and returns every row.
func (db *DB) All(ctx context.Context, q qb.Query) ([]map[string]any, error) {
	return execAll(ctx, db.sess, q)
}

// Get runs q and returns the first row, or nil when there is none.
func (db *DB) Get(ctx context.Context, q qb.Query) (map[string]any, error) {
	return execGet(ctx, db.sess, q)
}

// Exec runs q and discards any rows.
func (db *DB) Exec(ctx context.Context, q qb.Query) error {
	return execRun(ctx, db.sess, q)
}

// ExecRaw runs a raw SQL statement.
func (db *DB) ExecRaw(ctx context.Context, sql string, args ...any) error {
	return db.sess.Exec(ctx, sql, args...)
}

// AllRaw runs a raw SQL query and returns every row.
func (db *DB) AllRaw(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	return execAll(ctx, db.sess, qb.Raw(sql, args...))
}

// Transaction runs fn inside a transaction; nested calls use savepoints.
func (db *DB) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	return db.sess.Transaction(ctx, func(child *driver.Session) error {
		return fn(&Tx{db: db, sess: child})
	})
}

// LiveQuery registers builder as a live query and triggers its initial
// fetch. The returned Result stays current until Destroy.
func (db *DB) LiveQuery(builder Builder) *Result {
	return db.newLiveQuery(builder)
}

// Sync opens the engine's continuous live-sync channel. The endpoint must be
// a ws:// or wss:// URL.
func (db *DB) Sync(ctx context.Context, opts engine.SyncOptions) (engine.SyncHandle, error) {
	if !strings.HasPrefix(opts.Endpoint, "ws://") && !strings.HasPrefix(opts.Endpoint, "wss://") {
		return nil, usageErrorf("livelite: sync endpoint must be a ws:// or wss:// URL, got %q", opts.Endpoint)
	}
	return db.eng.Sync(ctx, opts)
}

// GetChangeset serializes the engine's full change history. An empty history
// yields "[]".
func (db *DB) GetChangeset(ctx context.Context) (string, error) {
	changes, err := db.eng.PullChanges(ctx, 0)
	if err != nil {
		return "", err
	}
	return changeset.Marshal(changes)
}

// ApplyChangeset parses and merges a peer's serialized changeset. Malformed
// input fails with ErrInvalidChangeset before the engine is touched; engine
// errors propagate unchanged. Touched tables flow through the change router
// like local mutations.
func (db *DB) ApplyChangeset(ctx context.Context, s string) error {
	changes, err := changeset.Unmarshal(s)
	if err != nil {
		return err
	}
	return db.eng.ApplyChanges(ctx, changes)
}

// Tx is the facade surface inside a transaction. Mutations become visible to
// live queries when the transaction commits.
type Tx struct {
	db   *DB
	sess *driver.Session
}

func (t *Tx) All(ctx context.Context, q qb.Query) ([]map[string]any, error) {
	return execAll(ctx, t.sess, q)
}

func (t *Tx) Get(ctx context.Context, q qb.Query) (map[string]any, error) {
	return execGet(ctx, t.sess, q)
}

func (t *Tx) Exec(ctx context.Context, q qb.Query) error {
	return execRun(ctx, t.sess, q)
}

func (t *Tx) ExecRaw(ctx context.Context, sql string, args ...any) error {
	return t.sess.Exec(ctx, sql, args...)
}

// Transaction nests with a savepoint.
func (t *Tx) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	return t.sess.Transaction(ctx, func(child *driver.Session) error {
		return fn(&Tx{db: t.db, sess: child})
	})
}

// Queryer is the read surface handed to live-query builders. During a first
// run its statements contribute to the query's table-dependency set.
type Queryer struct {
	db   *DB
	sess *driver.Session
}

func (q *Queryer) All(ctx context.Context, query qb.Query) ([]map[string]any, error) {
	return execAll(ctx, q.sess, query)
}

func (q *Queryer) Get(ctx context.Context, query qb.Query) (map[string]any, error) {
	return execGet(ctx, q.sess, query)
}

func (q *Queryer) Values(ctx context.Context, query qb.Query) ([]any, error) {
	st, err := q.sess.PrepareOneTimeQuery(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	return st.Values(ctx, nil)
}

func (q *Queryer) AllRaw(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	return execAll(ctx, q.sess, qb.Raw(sql, args...))
}

// LiveQuery always fails: builders must not register live queries from
// inside a refetch.
func (q *Queryer) LiveQuery(Builder) (*Result, error) {
	return nil, usageErrorf("livelite: cannot register a live query inside a live-query builder")
}

func execAll(ctx context.Context, sess *driver.Session, q qb.Query) ([]map[string]any, error) {
	st, err := sess.PrepareOneTimeQuery(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	return st.All(ctx, nil)
}

func execGet(ctx context.Context, sess *driver.Session, q qb.Query) (map[string]any, error) {
	st, err := sess.PrepareOneTimeQuery(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	return st.Get(ctx, nil)
}

func execRun(ctx context.Context, sess *driver.Session, q qb.Query) error {
	st, err := sess.PrepareOneTimeQuery(ctx, q, nil)
	if err != nil {
		return err
	}
	return st.Run(ctx, nil)
}
