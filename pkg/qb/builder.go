package qb

import (
	"fmt"
	"sort"
	"strings"
)

// Query is any builder that compiles to a SQL string plus an ordered argument
// list. Arguments may contain NamedArg placeholders which the prepared
// statement fills in at execution time.
type Query interface {
	ToSQL() (sql string, args []any, err error)
}

// NamedArg defers an argument value to execution time. The prepared
// statement resolves it against the caller-supplied parameter map.
type NamedArg struct {
	Name string
}

// Named creates a deferred placeholder argument.
func Named(name string) NamedArg { return NamedArg{Name: name} }

type cond struct {
	expr string
	args []any
}

// SelectBuilder compiles to a SELECT statement.
type SelectBuilder struct {
	cols    []string
	table   string
	joins   []string
	wheres  []cond
	orderBy []string
	limit   int
	offset  int
}

// Select starts a SELECT; no columns means "*".
func Select(cols ...string) *SelectBuilder {
	return &SelectBuilder{cols: cols, limit: -1, offset: -1}
}

func (b *SelectBuilder) From(table string) *SelectBuilder {
	b.table = table
	return b
}

func (b *SelectBuilder) Join(table, on string) *SelectBuilder {
	b.joins = append(b.joins, fmt.Sprintf("JOIN %s ON %s", table, on))
	return b
}

func (b *SelectBuilder) LeftJoin(table, on string) *SelectBuilder {
	b.joins = append(b.joins, fmt.Sprintf("LEFT JOIN %s ON %s", table, on))
	return b
}

// Where adds a predicate; multiple calls are ANDed.
func (b *SelectBuilder) Where(expr string, args ...any) *SelectBuilder {
	b.wheres = append(b.wheres, cond{expr: expr, args: args})
	return b
}

func (b *SelectBuilder) OrderBy(exprs ...string) *SelectBuilder {
	b.orderBy = append(b.orderBy, exprs...)
	return b
}

func (b *SelectBuilder) Limit(n int) *SelectBuilder {
	b.limit = n
	return b
}

func (b *SelectBuilder) Offset(n int) *SelectBuilder {
	b.offset = n
	return b
}

func (b *SelectBuilder) ToSQL() (string, []any, error) {
	if b.table == "" {
		return "", nil, fmt.Errorf("qb: select without a table")
	}
	var sb strings.Builder
	var args []any
	sb.WriteString("SELECT ")
	if len(b.cols) == 0 {
		sb.WriteString("*")
	} else {
		sb.WriteString(strings.Join(b.cols, ", "))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(b.table)
	for _, j := range b.joins {
		sb.WriteString(" ")
		sb.WriteString(j)
	}
	args = writeWheres(&sb, b.wheres, args)
	if len(b.orderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(b.orderBy, ", "))
	}
	if b.limit >= 0 {
		fmt.Fprintf(&sb, " LIMIT %d", b.limit)
	}
	if b.offset >= 0 {
		fmt.Fprintf(&sb, " OFFSET %d", b.offset)
	}
	return sb.String(), args, nil
}

// InsertBuilder compiles to an INSERT statement. Column order is the sorted
// key order of the value map, so generated SQL is deterministic.
type InsertBuilder struct {
	table   string
	values  map[string]any
	replace bool
}

func Insert(table string) *InsertBuilder {
	return &InsertBuilder{table: table}
}

func (b *InsertBuilder) Values(vals map[string]any) *InsertBuilder {
	b.values = vals
	return b
}

// OrReplace switches to INSERT OR REPLACE (upsert by primary key).
func (b *InsertBuilder) OrReplace() *InsertBuilder {
	b.replace = true
	return b
}

func (b *InsertBuilder) ToSQL() (string, []any, error) {
	if b.table == "" || len(b.values) == 0 {
		return "", nil, fmt.Errorf("qb: insert needs a table and values")
	}
	cols := make([]string, 0, len(b.values))
	for c := range b.values {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols))
	marks := make([]string, 0, len(cols))
	for _, c := range cols {
		args = append(args, b.values[c])
		marks = append(marks, "?")
	}

	verb := "INSERT"
	if b.replace {
		verb = "INSERT OR REPLACE"
	}
	sql := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
		verb, b.table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	return sql, args, nil
}

// UpdateBuilder compiles to an UPDATE statement.
type UpdateBuilder struct {
	table  string
	sets   map[string]any
	wheres []cond
}

func Update(table string) *UpdateBuilder {
	return &UpdateBuilder{table: table}
}

func (b *UpdateBuilder) Set(vals map[string]any) *UpdateBuilder {
	b.sets = vals
	return b
}

func (b *UpdateBuilder) Where(expr string, args ...any) *UpdateBuilder {
	b.wheres = append(b.wheres, cond{expr: expr, args: args})
	return b
}

func (b *UpdateBuilder) ToSQL() (string, []any, error) {
	if b.table == "" || len(b.sets) == 0 {
		return "", nil, fmt.Errorf("qb: update needs a table and a set clause")
	}
	cols := make([]string, 0, len(b.sets))
	for c := range b.sets {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	var sb strings.Builder
	var args []any
	sb.WriteString("UPDATE ")
	sb.WriteString(b.table)
	sb.WriteString(" SET ")
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c)
		sb.WriteString(" = ?")
		args = append(args, b.sets[c])
	}
	args = writeWheres(&sb, b.wheres, args)
	return sb.String(), args, nil
}

// DeleteBuilder compiles to a DELETE statement.
type DeleteBuilder struct {
	table  string
	wheres []cond
}

func Delete(table string) *DeleteBuilder {
	return &DeleteBuilder{table: table}
}

func (b *DeleteBuilder) Where(expr string, args ...any) *DeleteBuilder {
	b.wheres = append(b.wheres, cond{expr: expr, args: args})
	return b
}

func (b *DeleteBuilder) ToSQL() (string, []any, error) {
	if b.table == "" {
		return "", nil, fmt.Errorf("qb: delete without a table")
	}
	var sb strings.Builder
	var args []any
	sb.WriteString("DELETE FROM ")
	sb.WriteString(b.table)
	args = writeWheres(&sb, b.wheres, args)
	return sb.String(), args, nil
}

func writeWheres(sb *strings.Builder, wheres []cond, args []any) []any {
	for i, w := range wheres {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		sb.WriteString("(")
		sb.WriteString(w.expr)
		sb.WriteString(")")
		args = append(args, w.args...)
	}
	return args
}

// RawQuery wraps a literal SQL string as a Query.
type RawQuery struct {
	SQL  string
	Args []any
}

func Raw(sql string, args ...any) RawQuery { return RawQuery{SQL: sql, Args: args} }

func (q RawQuery) ToSQL() (string, []any, error) { return q.SQL, q.Args, nil }
