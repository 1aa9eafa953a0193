package qb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectToSQL(t *testing.T) {
	sql, args, err := Select("id", "name").
		From("users").
		Where("name = ?", "Alice").
		Where("id > ?", 10).
		OrderBy("id").
		Limit(5).
		Offset(2).
		ToSQL()
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id, name FROM users WHERE (name = ?) AND (id > ?) ORDER BY id LIMIT 5 OFFSET 2",
		sql)
	assert.Equal(t, []any{"Alice", 10}, args)
}

func TestSelectStar(t *testing.T) {
	sql, args, err := Select().From("users").ToSQL()
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users", sql)
	assert.Empty(t, args)
}

func TestSelectJoin(t *testing.T) {
	sql, _, err := Select("u.id").
		From("users u").
		Join("posts p", "p.user_id = u.id").
		LeftJoin("votes v", "v.post_id = p.id").
		ToSQL()
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT u.id FROM users u JOIN posts p ON p.user_id = u.id LEFT JOIN votes v ON v.post_id = p.id",
		sql)
}

func TestSelectWithoutTable(t *testing.T) {
	_, _, err := Select("id").ToSQL()
	require.Error(t, err)
}

// Insert column order is the sorted key order of the value map, so the same
// map always compiles to the same SQL.
func TestInsertDeterministic(t *testing.T) {
	b := Insert("users").Values(map[string]any{
		"name":  "Alice",
		"id":    "1",
		"email": "a@a.com",
	})
	sql, args, err := b.ToSQL()
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO users (email, id, name) VALUES (?, ?, ?)", sql)
	assert.Equal(t, []any{"a@a.com", "1", "Alice"}, args)

	again, _, err := b.ToSQL()
	require.NoError(t, err)
	assert.Equal(t, sql, again)
}

func TestInsertOrReplace(t *testing.T) {
	sql, _, err := Insert("users").
		Values(map[string]any{"id": "1"}).
		OrReplace().
		ToSQL()
	require.NoError(t, err)
	assert.Equal(t, "INSERT OR REPLACE INTO users (id) VALUES (?)", sql)
}

func TestUpdateToSQL(t *testing.T) {
	sql, args, err := Update("users").
		Set(map[string]any{"name": "Bob", "email": "b@b.com"}).
		Where("id = ?", "1").
		ToSQL()
	require.NoError(t, err)
	assert.Equal(t, "UPDATE users SET email = ?, name = ? WHERE (id = ?)", sql)
	assert.Equal(t, []any{"b@b.com", "Bob", "1"}, args)
}

func TestDeleteToSQL(t *testing.T) {
	sql, args, err := Delete("users").Where("id = ?", "1").ToSQL()
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM users WHERE (id = ?)", sql)
	assert.Equal(t, []any{"1"}, args)
}

func TestNamedArgsPassThrough(t *testing.T) {
	sql, args, err := Select().From("users").Where("id = ?", Named("uid")).ToSQL()
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users WHERE (id = ?)", sql)
	require.Len(t, args, 1)
	assert.Equal(t, NamedArg{Name: "uid"}, args[0])
}

func TestTableCreateSQL(t *testing.T) {
	tbl := NewTable("users",
		Text("id").PK(),
		Text("name").NotNull(),
		Text("email").Unique(),
		Integer("age"),
	)
	assert.Equal(t,
		"CREATE TABLE IF NOT EXISTS users (id TEXT PRIMARY KEY, name TEXT NOT NULL, email TEXT UNIQUE, age INTEGER)",
		tbl.CreateSQL())
	assert.Equal(t, []string{"id"}, tbl.PrimaryKeys())
}

func TestSchemaLookup(t *testing.T) {
	s := NewSchema(NewTable("users", Text("id").PK()))
	_, ok := s["users"]
	assert.True(t, ok)
}
