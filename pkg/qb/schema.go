// Package qb is the compact query-builder surface the database facade
// exposes: schema descriptors plus fluent SELECT/INSERT/UPDATE/DELETE
// builders that compile to SQL with positional placeholders.
package qb

import "strings"

// Column describes one column of a table definition.
type Column struct {
	Name string
	Type string

	primaryKey bool
	notNull    bool
	unique     bool
}

func Text(name string) Column    { return Column{Name: name, Type: "TEXT"} }
func Integer(name string) Column { return Column{Name: name, Type: "INTEGER"} }
func Real(name string) Column    { return Column{Name: name, Type: "REAL"} }
func Blob(name string) Column    { return Column{Name: name, Type: "BLOB"} }

func (c Column) PK() Column      { c.primaryKey = true; return c }
func (c Column) NotNull() Column { c.notNull = true; return c }
func (c Column) Unique() Column  { c.unique = true; return c }

// Table is a typed table definition supplied by the application.
type Table struct {
	Name    string
	Columns []Column
}

func NewTable(name string, cols ...Column) Table {
	return Table{Name: name, Columns: cols}
}

// Schema maps logical table names to their definitions. Immutable after
// database construction.
type Schema map[string]Table

func NewSchema(tables ...Table) Schema {
	s := make(Schema, len(tables))
	for _, t := range tables {
		s[t.Name] = t
	}
	return s
}

// PrimaryKeys returns the names of the table's primary-key columns.
func (t Table) PrimaryKeys() []string {
	var pks []string
	for _, c := range t.Columns {
		if c.primaryKey {
			pks = append(pks, c.Name)
		}
	}
	return pks
}

// CreateSQL renders a CREATE TABLE IF NOT EXISTS statement for the table.
func (t Table) CreateSQL() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(t.Name)
	b.WriteString(" (")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Name)
		b.WriteString(" ")
		b.WriteString(c.Type)
		if c.primaryKey {
			b.WriteString(" PRIMARY KEY")
		}
		if c.notNull {
			b.WriteString(" NOT NULL")
		}
		if c.unique {
			b.WriteString(" UNIQUE")
		}
	}
	b.WriteString(")")
	return b.String()
}
