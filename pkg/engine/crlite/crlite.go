// Package crlite is a reference implementation of the engine contract on top
// of a raw mattn/go-sqlite3 connection. It provides table-update callbacks
// with post-commit delivery, a trigger-maintained change log for snapshot
// sync, last-writer-wins change application, and a websocket live-sync
// client.
package crlite

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/livelite/livelite/pkg/engine"
)

const (
	changesTable = "__crlite_changes"
	metaTable    = "__crlite_meta"
)

var (
	ddlRe      = regexp.MustCompile(`(?i)\b(?:CREATE|ALTER|DROP)\s+TABLE\b`)
	rollbackRe = regexp.MustCompile(`(?i)^\s*ROLLBACK\b`)
)

type config struct {
	dbName string
	logger *zap.Logger
}

type Option func(*config)

// WithDBName sets the database name reported in update callbacks and used to
// join a sync channel. Defaults to "main".
func WithDBName(name string) Option { return func(c *config) { c.dbName = name } }

func WithLogger(l *zap.Logger) Option { return func(c *config) { c.logger = l } }

// Engine is a single-connection embedded SQLite engine. All statement
// execution is serialized on the connection, mirroring the cooperative
// single-writer model of the browser engines this adapter targets.
type Engine struct {
	mu     sync.Mutex
	conn   *sqlite3.SQLiteConn
	dbName string
	siteID *big.Int
	log    *zap.Logger

	inTx   bool
	events []updateEvent

	subMu   sync.Mutex
	subs    map[int]engine.UpdateFunc
	nextSub int

	// table name -> column signature of the installed change-log triggers
	tracked map[string]string
}

type updateEvent struct {
	op    engine.ChangeOp
	table string
}

// Open opens (or creates) the database at dsn. Use ":memory:" for an
// in-memory database.
func Open(dsn string, opts ...Option) (*Engine, error) {
	cfg := &config{dbName: "main", logger: zap.NewNop()}
	for _, o := range opts {
		o(cfg)
	}

	drv := &sqlite3.SQLiteDriver{}
	dc, err := drv.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("crlite: open %q: %w", dsn, err)
	}
	conn, ok := dc.(*sqlite3.SQLiteConn)
	if !ok {
		dc.Close()
		return nil, fmt.Errorf("crlite: unexpected connection type %T", dc)
	}

	e := &Engine{
		conn:    conn,
		dbName:  cfg.dbName,
		log:     cfg.logger,
		subs:    make(map[int]engine.UpdateFunc),
		tracked: make(map[string]string),
	}
	conn.RegisterUpdateHook(e.hook)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.bootstrapLocked(); err != nil {
		conn.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) bootstrapLocked() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + changesTable + ` (
			tbl TEXT NOT NULL,
			pk TEXT NOT NULL,
			col_version INTEGER NOT NULL,
			db_version INTEGER NOT NULL,
			site_id TEXT NOT NULL,
			cl INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			val TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS __crlite_changes_version ON ` + changesTable + ` (db_version)`,
		`CREATE TABLE IF NOT EXISTS ` + metaTable + ` (key TEXT PRIMARY KEY, value TEXT)`,
	}
	for _, s := range stmts {
		if err := e.rawExecLocked(s); err != nil {
			return err
		}
	}

	site, err := e.loadSiteIDLocked()
	if err != nil {
		return err
	}
	e.siteID = site

	return e.refreshTriggersLocked()
}

// loadSiteIDLocked reads the persisted site id, minting one from a fresh
// uuid on first open.
func (e *Engine) loadSiteIDLocked() (*big.Int, error) {
	rows, err := e.queryLocked(`SELECT value FROM `+metaTable+` WHERE key = 'site_id'`, nil)
	if err != nil {
		return nil, err
	}
	if len(rows.Values) > 0 {
		if s, ok := rows.Values[0][0].(string); ok {
			if n, ok := new(big.Int).SetString(s, 10); ok {
				return n, nil
			}
		}
	}
	id := uuid.New()
	n := new(big.Int).SetBytes(id[:])
	err = e.rawExecLocked(
		`INSERT OR REPLACE INTO `+metaTable+` (key, value) VALUES ('site_id', ?)`,
		n.String(),
	)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// SiteID identifies this replica in change tuples.
func (e *Engine) SiteID() *big.Int { return new(big.Int).Set(e.siteID) }

// Close releases the underlying connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.Close()
}

// Exec runs a one-shot statement. Update events caused by the statement are
// delivered to subscribers before Exec returns, unless a transaction is
// open, in which case they are held until commit.
func (e *Engine) Exec(ctx context.Context, sql string, args ...any) error {
	e.mu.Lock()
	err := e.execLocked(ctx, sql, args...)
	events := e.takeFlushableLocked()
	e.mu.Unlock()
	e.dispatch(events)
	return err
}

func (e *Engine) execLocked(ctx context.Context, sql string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.rawExecLocked(sql, args...); err != nil {
		return err
	}
	if rollbackRe.MatchString(sql) {
		// a rollback may have undone DDL together with its triggers; the
		// tracked signatures are no longer trustworthy
		return e.resyncTriggersLocked()
	}
	if ddlRe.MatchString(sql) {
		return e.refreshTriggersLocked()
	}
	return nil
}

func (e *Engine) resyncTriggersLocked() error {
	e.tracked = make(map[string]string)
	return e.refreshTriggersLocked()
}

func (e *Engine) rawExecLocked(sql string, args ...any) error {
	vals, err := toDriverValues(args)
	if err != nil {
		return err
	}
	if _, err := e.conn.Exec(sql, vals); err != nil {
		return fmt.Errorf("crlite: exec: %w", err)
	}
	return nil
}

func (e *Engine) queryLocked(sql string, args []any) (engine.Rows, error) {
	vals, err := toDriverValues(args)
	if err != nil {
		return engine.Rows{}, err
	}
	dr, err := e.conn.Query(sql, vals)
	if err != nil {
		return engine.Rows{}, fmt.Errorf("crlite: query: %w", err)
	}
	return materialize(dr)
}

// Prepare compiles sql into a reusable statement.
func (e *Engine) Prepare(ctx context.Context, sql string) (engine.Stmt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, err := e.conn.Prepare(sql)
	if err != nil {
		return nil, fmt.Errorf("crlite: prepare: %w", err)
	}
	return &stmt{e: e, sql: sql, ds: ds}, nil
}

// Begin opens an imperative transaction. Update events from statements
// inside the transaction are buffered and delivered after Commit; Rollback
// discards them.
func (e *Engine) Begin(ctx context.Context) (engine.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inTx {
		return nil, fmt.Errorf("crlite: transaction already open")
	}
	if err := e.rawExecLocked("BEGIN"); err != nil {
		return nil, err
	}
	e.inTx = true
	return &tx{e: e}, nil
}

type tx struct {
	e    *Engine
	mu   sync.Mutex
	done bool
}

func (t *tx) Exec(ctx context.Context, sql string, args ...any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("crlite: transaction already released")
	}
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	return t.e.execLocked(ctx, sql, args...)
}

func (t *tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true

	t.e.mu.Lock()
	err := t.e.rawExecLocked("COMMIT")
	t.e.inTx = false
	var events []updateEvent
	if err == nil {
		events = t.e.takeFlushableLocked()
	} else {
		t.e.events = nil
	}
	t.e.mu.Unlock()

	t.e.dispatch(events)
	return err
}

func (t *tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true

	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	err := t.e.rawExecLocked("ROLLBACK")
	t.e.inTx = false
	t.e.events = nil
	if err == nil {
		err = t.e.resyncTriggersLocked()
	}
	return err
}

type stmt struct {
	e         *Engine
	sql       string
	ds        driver.Stmt
	mu        sync.Mutex
	finalized bool
}

func (s *stmt) Exec(ctx context.Context, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return fmt.Errorf("crlite: statement already finalized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	vals, err := toDriverValues(args)
	if err != nil {
		return err
	}

	s.e.mu.Lock()
	_, err = s.ds.Exec(vals)
	if err == nil && ddlRe.MatchString(s.sql) {
		err = s.e.refreshTriggersLocked()
	}
	events := s.e.takeFlushableLocked()
	s.e.mu.Unlock()

	s.e.dispatch(events)
	if err != nil {
		return fmt.Errorf("crlite: exec: %w", err)
	}
	return nil
}

func (s *stmt) Query(ctx context.Context, args ...any) (engine.Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return engine.Rows{}, fmt.Errorf("crlite: statement already finalized")
	}
	if err := ctx.Err(); err != nil {
		return engine.Rows{}, err
	}
	vals, err := toDriverValues(args)
	if err != nil {
		return engine.Rows{}, err
	}

	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	dr, err := s.ds.Query(vals)
	if err != nil {
		return engine.Rows{}, fmt.Errorf("crlite: query: %w", err)
	}
	return materialize(dr)
}

func (s *stmt) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return nil
	}
	s.finalized = true
	return s.ds.Close()
}

// materialize drains a driver result set into raw array form.
func materialize(dr driver.Rows) (engine.Rows, error) {
	defer dr.Close()
	cols := dr.Columns()
	out := engine.Rows{Columns: append([]string(nil), cols...)}
	for {
		dest := make([]driver.Value, len(cols))
		err := dr.Next(dest)
		if err == io.EOF {
			break
		}
		if err != nil {
			return engine.Rows{}, fmt.Errorf("crlite: scan: %w", err)
		}
		row := make([]any, len(cols))
		for i, v := range dest {
			row[i] = normalizeValue(v)
		}
		out.Values = append(out.Values, row)
	}
	return out, nil
}

func normalizeValue(v driver.Value) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func toDriverValues(args []any) ([]driver.Value, error) {
	vals := make([]driver.Value, len(args))
	for i, a := range args {
		switch t := a.(type) {
		case nil, int64, float64, bool, string, []byte, time.Time:
			vals[i] = t
		case int:
			vals[i] = int64(t)
		case int32:
			vals[i] = int64(t)
		case uint32:
			vals[i] = int64(t)
		case float32:
			vals[i] = float64(t)
		case *big.Int:
			vals[i] = t.String()
		default:
			return nil, fmt.Errorf("crlite: unsupported argument type %T", a)
		}
	}
	return vals, nil
}

// quoteLiteral escapes a string for embedding in generated trigger SQL.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
