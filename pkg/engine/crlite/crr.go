package crlite

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/livelite/livelite/internal/logutil"
)

// tableInfo is one user table as seen by PRAGMA table_info.
type tableInfo struct {
	name string
	cols []string
	pks  []string
}

func (t tableInfo) signature() string {
	return strings.Join(t.cols, ",") + "|" + strings.Join(t.pks, ",")
}

// refreshTriggersLocked reconciles the change-log triggers with the current
// schema. Called at bootstrap and after every DDL statement: new tables get
// triggers installed, altered tables get theirs rebuilt, dropped tables get
// theirs removed.
func (e *Engine) refreshTriggersLocked() error {
	tables, err := e.listTablesLocked()
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(tables))
	for _, t := range tables {
		seen[t.name] = true
		sig := t.signature()
		if e.tracked[t.name] == sig {
			continue
		}
		if err := e.dropTriggersLocked(t.name); err != nil {
			return err
		}
		if err := e.createTriggersLocked(t); err != nil {
			return err
		}
		e.tracked[t.name] = sig
		e.log.Debug("crlite: change-log triggers installed",
			logutil.Values(zap.String("table", t.name), zap.Strings("pk", t.pks)))
	}

	for name := range e.tracked {
		if seen[name] {
			continue
		}
		if err := e.dropTriggersLocked(name); err != nil {
			return err
		}
		if err := e.rawExecLocked(
			`DELETE FROM `+changesTable+` WHERE tbl = ?`, name,
		); err != nil {
			return err
		}
		delete(e.tracked, name)
	}
	return nil
}

func (e *Engine) listTablesLocked() ([]tableInfo, error) {
	rows, err := e.queryLocked(
		`SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`, nil)
	if err != nil {
		return nil, err
	}
	var out []tableInfo
	for _, r := range rows.Values {
		name, ok := r[0].(string)
		if !ok || isInternalTable(name) {
			continue
		}
		info, err := e.tableInfoLocked(name)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (e *Engine) tableInfoLocked(name string) (tableInfo, error) {
	rows, err := e.queryLocked(`PRAGMA table_info(`+quoteIdent(name)+`)`, nil)
	if err != nil {
		return tableInfo{}, err
	}
	info := tableInfo{name: name}
	for _, r := range rows.Values {
		col, _ := r[1].(string)
		if col == "" {
			continue
		}
		info.cols = append(info.cols, col)
		if pk, ok := r[5].(int64); ok && pk > 0 {
			info.pks = append(info.pks, col)
		}
	}
	if len(info.cols) == 0 {
		return tableInfo{}, fmt.Errorf("crlite: table %q has no columns", name)
	}
	return info, nil
}

func (e *Engine) dropTriggersLocked(table string) error {
	for _, kind := range []string{"ai", "au", "ad"} {
		stmt := `DROP TRIGGER IF EXISTS ` + quoteIdent(triggerName(kind, table))
		if err := e.rawExecLocked(stmt); err != nil {
			return err
		}
	}
	return nil
}

func triggerName(kind, table string) string {
	return "__crlite_" + kind + "_" + table
}

// createTriggersLocked installs the three change-log triggers for one table.
// Each trigger appends a change tuple and then compacts older tuples for the
// same row, so the log holds the latest state per row while still assigning
// monotonically increasing database versions.
func (e *Engine) createTriggersLocked(t tableInfo) error {
	pkCols := t.pks
	if len(pkCols) == 0 {
		pkCols = t.cols
	}
	site := quoteLiteral(e.siteID.String())
	tbl := quoteLiteral(t.name)

	// Trigger bodies run while the applying flag is unset; rows merged in
	// from a peer must not be re-logged as local changes.
	when := `COALESCE((SELECT value FROM ` + metaTable + ` WHERE key = 'applying'), '0') = '0'`

	ins := triggerBody(tbl, site, jsonObject("NEW", pkCols), jsonObject("NEW", t.cols), "1")
	upd := triggerBody(tbl, site, jsonObject("NEW", pkCols), jsonObject("NEW", t.cols), "1")
	del := triggerBody(tbl, site, jsonObject("OLD", pkCols), "NULL", "2")

	stmts := []string{
		`CREATE TRIGGER ` + quoteIdent(triggerName("ai", t.name)) +
			` AFTER INSERT ON ` + quoteIdent(t.name) +
			` WHEN ` + when + ` BEGIN ` + ins + ` END`,
		`CREATE TRIGGER ` + quoteIdent(triggerName("au", t.name)) +
			` AFTER UPDATE ON ` + quoteIdent(t.name) +
			` WHEN ` + when + ` BEGIN ` + upd + ` END`,
		`CREATE TRIGGER ` + quoteIdent(triggerName("ad", t.name)) +
			` AFTER DELETE ON ` + quoteIdent(t.name) +
			` WHEN ` + when + ` BEGIN ` + del + ` END`,
	}
	for _, s := range stmts {
		if err := e.rawExecLocked(s); err != nil {
			return err
		}
	}
	return nil
}

// triggerBody renders the two statements of a change-log trigger: append the
// new tuple, then drop superseded tuples for the same row.
func triggerBody(tbl, site, pkExpr, valExpr, cl string) string {
	var b strings.Builder
	b.WriteString(`INSERT INTO ` + changesTable + ` (tbl, pk, col_version, db_version, site_id, cl, seq, val) VALUES (`)
	b.WriteString(tbl + `, `)
	b.WriteString(pkExpr + `, `)
	b.WriteString(`COALESCE((SELECT MAX(col_version) FROM ` + changesTable +
		` WHERE tbl = ` + tbl + ` AND pk = ` + pkExpr + `), 0) + 1, `)
	b.WriteString(`(SELECT COALESCE(MAX(db_version), 0) + 1 FROM ` + changesTable + `), `)
	b.WriteString(site + `, `)
	b.WriteString(cl + `, 0, `)
	b.WriteString(valExpr)
	b.WriteString(`); `)
	b.WriteString(`DELETE FROM ` + changesTable +
		` WHERE tbl = ` + tbl + ` AND pk = ` + pkExpr +
		` AND db_version < (SELECT MAX(db_version) FROM ` + changesTable +
		` WHERE tbl = ` + tbl + ` AND pk = ` + pkExpr + `);`)
	return b.String()
}

// jsonObject renders a json_object(...) expression over the given columns of
// the NEW or OLD trigger row.
func jsonObject(ref string, cols []string) string {
	parts := make([]string, 0, len(cols)*2)
	for _, c := range cols {
		parts = append(parts, quoteLiteral(c), ref+"."+quoteIdent(c))
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

// quoteIdent escapes an identifier for embedding in generated SQL.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
