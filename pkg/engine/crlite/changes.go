package crlite

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/livelite/livelite/internal/logutil"
	"github.com/livelite/livelite/pkg/changeset"
)

// PullChanges returns every change tuple with a database version strictly
// greater than sinceVersion, in version order.
func (e *Engine) PullChanges(ctx context.Context, sinceVersion int64) ([]changeset.Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rows, err := e.queryLocked(
		`SELECT tbl, pk, col_version, db_version, site_id, cl, seq, val FROM `+
			changesTable+` WHERE db_version > ? ORDER BY db_version, seq`,
		[]any{sinceVersion},
	)
	if err != nil {
		return nil, err
	}

	out := make([]changeset.Change, 0, len(rows.Values))
	for _, r := range rows.Values {
		c, err := rowToChange(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func rowToChange(r []any) (changeset.Change, error) {
	c := changeset.Change{}
	var ok bool
	if c.Table, ok = r[0].(string); !ok {
		return c, fmt.Errorf("crlite: malformed change row: table %T", r[0])
	}
	c.PK = r[1]
	var err error
	if c.ColVersion, err = rowBig(r[2]); err != nil {
		return c, err
	}
	if c.DBVersion, err = rowBig(r[3]); err != nil {
		return c, err
	}
	if c.SiteID, err = rowBig(r[4]); err != nil {
		return c, err
	}
	if c.CL, ok = r[5].(int64); !ok {
		return c, fmt.Errorf("crlite: malformed change row: cl %T", r[5])
	}
	if c.Seq, ok = r[6].(int64); !ok {
		return c, fmt.Errorf("crlite: malformed change row: seq %T", r[6])
	}
	c.Value = r[7]
	return c, nil
}

func rowBig(v any) (*big.Int, error) {
	switch t := v.(type) {
	case int64:
		return big.NewInt(t), nil
	case string:
		n, ok := new(big.Int).SetString(t, 10)
		if !ok {
			return nil, fmt.Errorf("crlite: malformed change row: bad integer %q", t)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("crlite: malformed change row: integer column %T", v)
	}
}

// ApplyChanges merges a peer's change tuples into local state under
// last-writer-wins resolution and fires update callbacks for every table it
// touches. The whole batch is applied in one transaction; the change-log
// triggers are suppressed for its duration so merged rows are not re-logged
// as local edits, and the incoming tuples are recorded directly instead.
func (e *Engine) ApplyChanges(ctx context.Context, changes []changeset.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	e.mu.Lock()
	err := e.applyLocked(changes)
	events := e.takeFlushableLocked()
	e.mu.Unlock()

	e.dispatch(events)
	return err
}

func (e *Engine) applyLocked(changes []changeset.Change) error {
	if e.inTx {
		return fmt.Errorf("crlite: cannot apply changes inside an open transaction")
	}
	if err := e.rawExecLocked("BEGIN"); err != nil {
		return err
	}
	e.inTx = true

	err := func() error {
		if err := e.rawExecLocked(
			`INSERT OR REPLACE INTO ` + metaTable + ` (key, value) VALUES ('applying', '1')`,
		); err != nil {
			return err
		}
		for _, c := range changes {
			if err := e.applyOneLocked(c); err != nil {
				return err
			}
		}
		return e.rawExecLocked(
			`INSERT OR REPLACE INTO ` + metaTable + ` (key, value) VALUES ('applying', '0')`,
		)
	}()

	if err != nil {
		rbErr := e.rawExecLocked("ROLLBACK")
		e.inTx = false
		e.events = nil
		if rbErr != nil {
			e.log.Error("crlite: rollback after failed apply",
				logutil.Values(zap.Error(rbErr)))
		} else if rsErr := e.resyncTriggersLocked(); rsErr != nil {
			e.log.Error("crlite: trigger resync after failed apply",
				logutil.Values(zap.Error(rsErr)))
		}
		return err
	}

	err = e.rawExecLocked("COMMIT")
	e.inTx = false
	if err != nil {
		e.events = nil
	}
	return err
}

func (e *Engine) applyOneLocked(c changeset.Change) error {
	if c.ColVersion == nil || c.DBVersion == nil || c.SiteID == nil {
		return fmt.Errorf("crlite: change tuple for %q missing version fields", c.Table)
	}
	pkText, err := asJSONText(c.PK)
	if err != nil {
		return fmt.Errorf("crlite: change tuple for %q: %w", c.Table, err)
	}

	wins, err := e.winsLocked(c, pkText)
	if err != nil {
		return err
	}
	if !wins {
		return nil
	}

	if c.CL%2 == 0 {
		if err := e.applyDeleteLocked(c.Table, pkText); err != nil {
			return err
		}
	} else {
		if err := e.applyUpsertLocked(c.Table, c.Value); err != nil {
			return err
		}
	}
	return e.recordChangeLocked(c, pkText)
}

// winsLocked decides last-writer-wins against the local change log: higher
// column version wins, site id breaks ties.
func (e *Engine) winsLocked(c changeset.Change, pkText string) (bool, error) {
	rows, err := e.queryLocked(
		`SELECT col_version, site_id FROM `+changesTable+` WHERE tbl = ? AND pk = ?`,
		[]any{c.Table, pkText},
	)
	if err != nil {
		return false, err
	}
	if len(rows.Values) == 0 {
		return true, nil
	}
	localCV, err := rowBig(rows.Values[0][0])
	if err != nil {
		return false, err
	}
	localSite, err := rowBig(rows.Values[0][1])
	if err != nil {
		return false, err
	}
	switch c.ColVersion.Cmp(localCV) {
	case 1:
		return true, nil
	case -1:
		return false, nil
	default:
		return c.SiteID.Cmp(localSite) > 0, nil
	}
}

func (e *Engine) applyDeleteLocked(table, pkText string) error {
	pk, err := decodeJSONObject(pkText)
	if err != nil {
		return fmt.Errorf("crlite: change tuple for %q: bad pk: %w", table, err)
	}
	where, args := objectPredicate(pk)
	return e.rawExecLocked(
		`DELETE FROM `+quoteIdent(table)+` WHERE `+where, args...)
}

func (e *Engine) applyUpsertLocked(table string, value any) error {
	valText, err := asJSONText(value)
	if err != nil {
		return fmt.Errorf("crlite: change tuple for %q: %w", table, err)
	}
	row, err := decodeJSONObject(valText)
	if err != nil {
		return fmt.Errorf("crlite: change tuple for %q: bad value: %w", table, err)
	}

	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		marks[i] = "?"
		args[i] = row[c]
	}
	sql := `INSERT OR REPLACE INTO ` + quoteIdent(table) +
		` (` + strings.Join(quoted, ", ") + `) VALUES (` + strings.Join(marks, ", ") + `)`
	return e.rawExecLocked(sql, args...)
}

// recordChangeLocked stores the winning tuple in the local change log under a
// freshly assigned local database version, replacing whatever the row had.
func (e *Engine) recordChangeLocked(c changeset.Change, pkText string) error {
	if err := e.rawExecLocked(
		`DELETE FROM `+changesTable+` WHERE tbl = ? AND pk = ?`,
		c.Table, pkText,
	); err != nil {
		return err
	}
	val, err := nullableJSONText(c.Value)
	if err != nil {
		return err
	}
	return e.rawExecLocked(
		`INSERT INTO `+changesTable+` (tbl, pk, col_version, db_version, site_id, cl, seq, val)
		 VALUES (?, ?, ?, (SELECT COALESCE(MAX(db_version), 0) + 1 FROM `+changesTable+`), ?, ?, ?, ?)`,
		c.Table, pkText, c.ColVersion, c.SiteID, c.CL, c.Seq, val,
	)
}

func asJSONText(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case nil:
		return "", fmt.Errorf("missing value")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func nullableJSONText(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	s, err := asJSONText(v)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func decodeJSONObject(text string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("empty object")
	}
	return m, nil
}

// objectPredicate renders an AND-joined equality predicate over the keys of
// a decoded json object, NULL-safe via IS for null values.
func objectPredicate(obj map[string]any) (string, []any) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	var args []any
	for _, k := range keys {
		if obj[k] == nil {
			parts = append(parts, quoteIdent(k)+" IS NULL")
			continue
		}
		parts = append(parts, quoteIdent(k)+" = ?")
		args = append(args, obj[k])
	}
	return strings.Join(parts, " AND "), args
}
