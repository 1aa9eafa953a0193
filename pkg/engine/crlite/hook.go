package crlite

import (
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/livelite/livelite/pkg/engine"
)

// hook is the sqlite update-hook callback. It runs while the connection is
// executing a statement, so it only records events; delivery happens after
// the statement (or enclosing transaction) finishes.
func (e *Engine) hook(op int, db string, table string, rowid int64) {
	if isInternalTable(table) {
		return
	}
	var cop engine.ChangeOp
	switch op {
	case sqlite3.SQLITE_INSERT:
		cop = engine.OpInsert
	case sqlite3.SQLITE_UPDATE:
		cop = engine.OpUpdate
	case sqlite3.SQLITE_DELETE:
		cop = engine.OpDelete
	default:
		return
	}
	e.events = append(e.events, updateEvent{op: cop, table: table})
}

func isInternalTable(name string) bool {
	return strings.HasPrefix(name, "__crlite_") || strings.HasPrefix(name, "sqlite_")
}

// takeFlushableLocked drains buffered events if no transaction is open.
// Inside a transaction the events stay buffered until Commit.
func (e *Engine) takeFlushableLocked() []updateEvent {
	if e.inTx {
		return nil
	}
	events := e.events
	e.events = nil
	return events
}

// dispatch delivers events to subscribers. Must be called without e.mu held;
// callbacks are free to issue further statements.
func (e *Engine) dispatch(events []updateEvent) {
	if len(events) == 0 {
		return
	}
	e.subMu.Lock()
	fns := make([]engine.UpdateFunc, 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subMu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev.op, e.dbName, ev.table)
		}
	}
}

// OnUpdate registers a table-update callback.
func (e *Engine) OnUpdate(fn engine.UpdateFunc) (unsubscribe func()) {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}
