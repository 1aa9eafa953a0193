package driver

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/livelite/livelite/internal/logutil"
	"github.com/livelite/livelite/pkg/engine"
	"github.com/livelite/livelite/pkg/qb"
)

// RowMapper converts a raw materialized result set into a caller-defined
// typed value.
type RowMapper func(rows engine.Rows) (any, error)

// Params maps named-placeholder names to values for one execution.
type Params map[string]any

// Stmt owns one compiled engine statement. Long-lived statements carry a GC
// finalizer; one-shot statements finalize themselves after one execution.
// Finalize is safe to call more than once and runs exactly one release.
type Stmt struct {
	sess    *Session
	es      engine.Stmt
	sql     string
	args    []any
	tables  []string
	mapper  RowMapper
	oneShot bool

	mu        sync.Mutex
	finalized bool
}

// registerFinalizer arms the GC-driven release for a long-lived statement.
// Finalize disarms it, so an explicit release never races the runtime's.
func registerFinalizer(s *Stmt) {
	runtime.SetFinalizer(s, func(st *Stmt) {
		if err := st.Finalize(); err != nil {
			st.sess.log.Warn("statement finalizer", zap.Error(err))
		}
	})
}

// Finalize releases the compiled statement. Only the first call does work.
func (s *Stmt) Finalize() error {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return nil
	}
	s.finalized = true
	s.mu.Unlock()

	if !s.oneShot {
		runtime.SetFinalizer(s, nil)
	}
	return s.es.Finalize()
}

// SQL returns the compiled statement text.
func (s *Stmt) SQL() string { return s.sql }

// Tables returns the table names the statement references.
func (s *Stmt) Tables() []string { return append([]string(nil), s.tables...) }

// resolveArgs fills named placeholders from params, keeping literal compiled
// arguments in positional order.
func (s *Stmt) resolveArgs(params Params) ([]any, error) {
	out := make([]any, len(s.args))
	for i, a := range s.args {
		na, ok := a.(qb.NamedArg)
		if !ok {
			out[i] = a
			continue
		}
		v, present := params[na.Name]
		if !present {
			return nil, fmt.Errorf("driver: missing value for parameter %q", na.Name)
		}
		out[i] = v
	}
	return out, nil
}

// beforeExec runs the shared pre-dispatch steps: session liveness, logging,
// collector contribution, argument resolution.
func (s *Stmt) beforeExec(params Params) ([]any, error) {
	s.mu.Lock()
	finalized := s.finalized
	s.mu.Unlock()
	if finalized {
		return nil, fmt.Errorf("driver: statement already finalized")
	}
	if s.sess.isReleased() {
		return nil, fmt.Errorf("driver: statement executed outside its transaction")
	}
	args, err := s.resolveArgs(params)
	if err != nil {
		return nil, err
	}
	s.sess.log.Debug("query",
		logutil.Values(zap.String("sql", s.sql), zap.Any("params", args)))
	if c := s.sess.collector; c != nil {
		c.Add(s.tables...)
	}
	return args, nil
}

func (s *Stmt) finishOneShot() {
	if !s.oneShot {
		return
	}
	if err := s.Finalize(); err != nil {
		s.sess.log.Warn("one-shot finalize", zap.Error(err))
	}
}

// Run executes the statement and discards any rows.
func (s *Stmt) Run(ctx context.Context, params Params) error {
	defer s.finishOneShot()
	args, err := s.beforeExec(params)
	if err != nil {
		return err
	}
	return s.es.Exec(ctx, args...)
}

func (s *Stmt) queryRaw(ctx context.Context, params Params) (engine.Rows, error) {
	defer s.finishOneShot()
	args, err := s.beforeExec(params)
	if err != nil {
		return engine.Rows{}, err
	}
	return s.es.Query(ctx, args...)
}

// All executes the statement and returns every row as a column-keyed map.
func (s *Stmt) All(ctx context.Context, params Params) ([]map[string]any, error) {
	rows, err := s.queryRaw(ctx, params)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(rows.Values))
	for _, v := range rows.Values {
		row := make(map[string]any, len(rows.Columns))
		for i, col := range rows.Columns {
			row[col] = v[i]
		}
		out = append(out, row)
	}
	return out, nil
}

// Get executes the statement and returns the first row, or nil when the
// result set is empty.
func (s *Stmt) Get(ctx context.Context, params Params) (map[string]any, error) {
	rows, err := s.queryRaw(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(rows.Values) == 0 {
		return nil, nil
	}
	row := make(map[string]any, len(rows.Columns))
	for i, col := range rows.Columns {
		row[col] = rows.Values[0][i]
	}
	return row, nil
}

// Values executes the statement in raw mode and returns the first column of
// each row.
func (s *Stmt) Values(ctx context.Context, params Params) ([]any, error) {
	rows, err := s.queryRaw(ctx, params)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(rows.Values))
	for _, v := range rows.Values {
		if len(v) == 0 {
			out = append(out, nil)
			continue
		}
		out = append(out, v[0])
	}
	return out, nil
}

// Mapped executes the statement in raw mode and applies the configured
// result mapper. Without a mapper it returns the raw rows.
func (s *Stmt) Mapped(ctx context.Context, params Params) (any, error) {
	rows, err := s.queryRaw(ctx, params)
	if err != nil {
		return nil, err
	}
	if s.mapper == nil {
		return rows, nil
	}
	return s.mapper(rows)
}
