// Package driver translates compiled query-builder objects into prepared
// statements executed against an embedded engine. It owns statement
// lifetimes, per-call table-dependency collection, and a transaction
// abstraction with nested savepoints over the engine's imperative primitive.
package driver

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/livelite/livelite/pkg/engine"
	"github.com/livelite/livelite/pkg/qb"
	"github.com/livelite/livelite/pkg/tabledeps"
)

// Session is a per-connection execution context. The zero value is not
// usable; construct with NewSession. Child sessions created by Transaction
// share the engine handle and carry the transaction token.
type Session struct {
	eng       engine.Engine
	log       *zap.Logger
	tx        engine.Tx
	depth     int
	collector *tabledeps.Collector

	mu       sync.Mutex
	released bool
}

func NewSession(eng engine.Engine, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{eng: eng, log: log}
}

// WithCollector derives a session whose statement executions contribute
// their referenced tables to c. The engine handle and any transaction token
// are shared with the receiver.
func (s *Session) WithCollector(c *tabledeps.Collector) *Session {
	d := &Session{eng: s.eng, log: s.log, tx: s.tx, depth: s.depth, collector: c}
	return d
}

// Logger exposes the session's logger for callers layered on top.
func (s *Session) Logger() *zap.Logger { return s.log }

func (s *Session) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// PrepareQuery compiles q into a long-lived prepared statement. The handle
// is registered with a GC finalizer, so callers that drop it without calling
// Finalize still release the engine statement exactly once.
func (s *Session) PrepareQuery(ctx context.Context, q qb.Query, mapper RowMapper) (*Stmt, error) {
	return s.prepare(ctx, q, mapper, false)
}

// PrepareOneTimeQuery compiles q into a single-use statement that finalizes
// itself after its first execution, on the error path included.
func (s *Session) PrepareOneTimeQuery(ctx context.Context, q qb.Query, mapper RowMapper) (*Stmt, error) {
	return s.prepare(ctx, q, mapper, true)
}

func (s *Session) prepare(ctx context.Context, q qb.Query, mapper RowMapper, oneShot bool) (*Stmt, error) {
	if s.isReleased() {
		return nil, fmt.Errorf("driver: session already released")
	}
	sql, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}
	es, err := s.eng.Prepare(ctx, sql)
	if err != nil {
		return nil, err
	}
	st := &Stmt{
		sess:    s,
		es:      es,
		sql:     sql,
		args:    args,
		tables:  tabledeps.Extract(sql),
		mapper:  mapper,
		oneShot: oneShot,
	}
	if !oneShot {
		registerFinalizer(st)
	}
	return st, nil
}

// Exec runs a one-shot raw statement through the active transaction token if
// one is present, else directly against the engine.
func (s *Session) Exec(ctx context.Context, sql string, args ...any) error {
	if s.isReleased() {
		return fmt.Errorf("driver: session already released")
	}
	s.log.Debug("exec", zap.String("sql", sql), zap.Any("params", args))
	if s.tx != nil {
		return s.tx.Exec(ctx, sql, args...)
	}
	return s.eng.Exec(ctx, sql, args...)
}

// Query compiles and runs sql once, returning the materialized rows. The
// statement is finalized before returning.
func (s *Session) Query(ctx context.Context, sql string, args ...any) (engine.Rows, error) {
	st, err := s.PrepareOneTimeQuery(ctx, qb.Raw(sql, args...), nil)
	if err != nil {
		return engine.Rows{}, err
	}
	return st.queryRaw(ctx, nil)
}

// Transaction runs fn inside a transaction. At the top level it acquires the
// engine's imperative token, commits on nil return and rolls back on error
// or panic; the token is released exactly once on every path. On a session
// that already carries a token it nests with a named savepoint instead.
func (s *Session) Transaction(ctx context.Context, fn func(tx *Session) error) error {
	if s.isReleased() {
		return fmt.Errorf("driver: session already released")
	}
	if s.tx != nil {
		return s.savepoint(ctx, fn)
	}

	tok, err := s.eng.Begin(ctx)
	if err != nil {
		return err
	}
	child := &Session{eng: s.eng, log: s.log, tx: tok, depth: 1, collector: s.collector}

	settled := false
	defer func() {
		child.mu.Lock()
		child.released = true
		child.mu.Unlock()
		if !settled {
			if rbErr := tok.Rollback(ctx); rbErr != nil {
				s.log.Error("transaction rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err := fn(child); err != nil {
		settled = true
		if rbErr := tok.Rollback(ctx); rbErr != nil {
			s.log.Error("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	settled = true
	return tok.Commit(ctx)
}

func (s *Session) savepoint(ctx context.Context, fn func(tx *Session) error) error {
	name := fmt.Sprintf("sp%d", s.depth)
	if err := s.tx.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return err
	}
	child := &Session{eng: s.eng, log: s.log, tx: s.tx, depth: s.depth + 1, collector: s.collector}

	settled := false
	defer func() {
		child.mu.Lock()
		child.released = true
		child.mu.Unlock()
		if !settled {
			if rbErr := s.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
				s.log.Error("savepoint rollback failed",
					zap.String("savepoint", name), zap.Error(rbErr))
			}
		}
	}()

	if err := fn(child); err != nil {
		settled = true
		if rbErr := s.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			s.log.Error("savepoint rollback failed",
				zap.String("savepoint", name), zap.Error(rbErr))
		}
		return err
	}
	settled = true
	return s.tx.Exec(ctx, "RELEASE SAVEPOINT "+name)
}
