package livelite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livelite/livelite/pkg/changeset"
	"github.com/livelite/livelite/pkg/engine"
	"github.com/livelite/livelite/pkg/qb"
)

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)
	var ue *UsageError
	assert.ErrorAs(t, err, &ue)
}

func TestEmptySchemaPermitted(t *testing.T) {
	db := newTestDB(t)
	db2, err := New(db.Engine(), Config{})
	require.NoError(t, err)
	defer db2.Close()
	assert.Empty(t, db2.Schema())
}

func TestGetChangesetEmptyHistory(t *testing.T) {
	db := newTestDB(t)
	cs, err := db.GetChangeset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "[]", cs)
}

func TestChangesetRoundTripConverges(t *testing.T) {
	ctx := context.Background()
	db1 := newTestDB(t)
	db2 := newTestDB(t)
	insertUser(t, db1, "1", "Alice", "a@a.com")

	cs, err := db1.GetChangeset(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, "[]", cs)

	changes, err := changeset.Unmarshal(cs)
	require.NoError(t, err)
	assert.NotEmpty(t, changes)

	require.NoError(t, db2.ApplyChangeset(ctx, cs))
	rows, err := db2.All(ctx, qb.Select().From("users"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0]["name"])

	// idempotent: applying the same changeset again adds nothing
	require.NoError(t, db2.ApplyChangeset(ctx, cs))
	rows, err = db2.All(ctx, qb.Select().From("users"))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestApplyChangesetTriggersLiveQueries(t *testing.T) {
	ctx := context.Background()
	db1 := newTestDB(t)
	db2 := newTestDB(t)
	insertUser(t, db1, "1", "Alice", "a@a.com")

	r := db2.LiveQuery(selectUsers)
	defer r.Destroy()
	waitForData(t, r)

	var n notifications
	unsub := r.Subscribe(n.cb)
	defer unsub()
	require.Equal(t, 1, n.count())

	cs, err := db1.GetChangeset(ctx)
	require.NoError(t, err)
	require.NoError(t, db2.ApplyChangeset(ctx, cs))

	require.Eventually(t, func() bool { return n.count() == 2 }, waitFor, tick)
	rows, ok := n.last().([]map[string]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0]["name"])
}

func TestApplyChangesetRejectsMalformed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.ApplyChangeset(ctx, "this is not json")
	require.Error(t, err)
	assert.ErrorIs(t, err, changeset.ErrInvalidChangeset)

	err = db.ApplyChangeset(ctx, `[["t","pk",1,2,3]]`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid changeset format.")
}

func TestSyncRejectsNonWebsocketEndpoint(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Sync(context.Background(), engine.SyncOptions{
		Endpoint: "http://relay.example", DBName: "main",
	})
	require.Error(t, err)
	var ue *UsageError
	assert.ErrorAs(t, err, &ue)
}

func TestCloseDetachesRouter(t *testing.T) {
	db := newTestDB(t)

	r := db.LiveQuery(selectUsers)
	defer r.Destroy()
	waitForData(t, r)

	var n notifications
	unsub := r.Subscribe(n.cb)
	defer unsub()
	require.NoError(t, db.Close())

	insertUser(t, db, "1", "Alice", "a@a.com")
	assert.Never(t, func() bool { return n.count() > 1 }, 100*tick, tick)
}

func TestRawSurface(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.ExecRaw(ctx,
		`INSERT INTO users (id, name, email) VALUES (?, ?, ?)`, "1", "Alice", "a@a.com"))
	rows, err := db.AllRaw(ctx, `SELECT name FROM users WHERE id = ?`, "1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0]["name"])
}
