package livelite

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livelite/livelite/pkg/engine/crlite"
	"github.com/livelite/livelite/pkg/qb"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	e, err := crlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	db, err := New(e, Config{Schema: qb.NewSchema(
		qb.NewTable("users",
			qb.Text("id").PK(), qb.Text("name"), qb.Text("email").Unique()),
		qb.NewTable("posts",
			qb.Text("id").PK(), qb.Text("author_id"), qb.Text("body")),
	)})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.CreateTables(context.Background()))
	return db
}

func selectUsers(ctx context.Context, q *Queryer) (any, error) {
	return q.All(ctx, qb.Select().From("users").OrderBy("id"))
}

// notifications records every subscriber invocation, for asserting counts and
// payloads after asynchronous refetches settle.
type notifications struct {
	mu   sync.Mutex
	data []any
}

func (n *notifications) cb(data any) {
	n.mu.Lock()
	n.data = append(n.data, data)
	n.mu.Unlock()
}

func (n *notifications) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.data)
}

func (n *notifications) last() any {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.data) == 0 {
		return nil
	}
	return n.data[len(n.data)-1]
}

func waitForData(t *testing.T, r *Result) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.Data() != nil && !r.Loading()
	}, waitFor, tick)
}

func insertUser(t *testing.T, db *DB, id, name, email string) {
	t.Helper()
	require.NoError(t, db.Exec(context.Background(),
		qb.Insert("users").Values(map[string]any{
			"id": id, "name": name, "email": email,
		})))
}

func TestLiveQueryInitialFetch(t *testing.T) {
	db := newTestDB(t)

	r := db.LiveQuery(selectUsers)
	defer r.Destroy()

	assert.True(t, r.Loading())
	waitForData(t, r)
	assert.Empty(t, r.Data())
	assert.NoError(t, r.Err())
}

func TestInsertTriggersLiveQuery(t *testing.T) {
	db := newTestDB(t)

	r := db.LiveQuery(selectUsers)
	defer r.Destroy()
	waitForData(t, r)

	var n notifications
	unsub := r.Subscribe(n.cb)
	defer unsub()
	require.Equal(t, 1, n.count(), "subscribe replays current data")

	insertUser(t, db, "1", "Alice", "a@a.com")

	require.Eventually(t, func() bool { return n.count() >= 2 }, waitFor, tick)
	rows, ok := n.last().([]map[string]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0]["name"])
	assert.Equal(t, "a@a.com", rows[0]["email"])
}

func TestUnrelatedMutationIsSilent(t *testing.T) {
	db := newTestDB(t)
	insertUser(t, db, "1", "Alice", "a@a.com")

	r := db.LiveQuery(selectUsers)
	defer r.Destroy()
	waitForData(t, r)

	var n notifications
	unsub := r.Subscribe(n.cb)
	defer unsub()
	require.Equal(t, 1, n.count())

	require.NoError(t, db.Exec(context.Background(),
		qb.Insert("posts").Values(map[string]any{
			"id": "p1", "author_id": "1", "body": "hello",
		})))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, n.count())
}

func TestTransactionDeliversOneNotification(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	insertUser(t, db, "1", "Alice", "a@a.com")
	insertUser(t, db, "2", "Bob", "b@b.com")

	r := db.LiveQuery(selectUsers)
	defer r.Destroy()
	waitForData(t, r)

	var n notifications
	unsub := r.Subscribe(n.cb)
	defer unsub()
	require.Equal(t, 1, n.count())

	err := db.Transaction(ctx, func(tx *Tx) error {
		if err := tx.Exec(ctx, qb.Insert("users").Values(map[string]any{
			"id": "3", "name": "Charlie", "email": "c@c.com",
		})); err != nil {
			return err
		}
		// data is unchanged until commit
		assert.Len(t, r.Data(), 2)
		return tx.Exec(ctx, qb.Delete("users").Where("id = ?", "1"))
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rows, ok := r.Data().([]map[string]any)
		return ok && len(rows) == 2 && rows[0]["id"] == "2" && rows[1]["id"] == "3"
	}, waitFor, tick)
	assert.Equal(t, 2, n.count(), "one notification for the whole transaction")
}

func TestBuilderErrorPreservesData(t *testing.T) {
	db := newTestDB(t)
	insertUser(t, db, "1", "Alice", "a@a.com")

	boom := errors.New("boom")
	var fail atomic.Bool
	r := db.LiveQuery(func(ctx context.Context, q *Queryer) (any, error) {
		if fail.Load() {
			return nil, boom
		}
		return selectUsers(ctx, q)
	})
	defer r.Destroy()
	waitForData(t, r)

	var n notifications
	unsub := r.Subscribe(n.cb)
	defer unsub()
	require.Equal(t, 1, n.count())

	fail.Store(true)
	r.Refetch()

	require.Eventually(t, func() bool { return r.Err() != nil }, waitFor, tick)
	assert.ErrorIs(t, r.Err(), boom)
	assert.Len(t, r.Data(), 1, "failed fetch leaves data in place")
	assert.Equal(t, 1, n.count(), "failed fetch does not notify")

	fail.Store(false)
	insertUser(t, db, "2", "Bob", "b@b.com")
	require.Eventually(t, func() bool { return n.count() == 2 }, waitFor, tick)
	assert.NoError(t, r.Err(), "successful fetch clears the error")
}

func TestNoNotificationForEqualData(t *testing.T) {
	db := newTestDB(t)
	insertUser(t, db, "1", "Alice", "a@a.com")

	r := db.LiveQuery(selectUsers)
	defer r.Destroy()
	waitForData(t, r)

	var n notifications
	unsub := r.Subscribe(n.cb)
	defer unsub()
	require.Equal(t, 1, n.count())

	// fires a table-change event but leaves the result set identical
	require.NoError(t, db.Exec(context.Background(),
		qb.Update("users").Set(map[string]any{"name": "Alice"}).Where("id = ?", "1")))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, n.count())
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	db := newTestDB(t)

	r := db.LiveQuery(selectUsers)
	defer r.Destroy()
	waitForData(t, r)

	var n notifications
	unsub := r.Subscribe(n.cb)
	require.Equal(t, 1, n.count(), "subscribe replays current data")
	unsub()

	insertUser(t, db, "1", "Alice", "a@a.com")
	require.Eventually(t, func() bool {
		rows, ok := r.Data().([]map[string]any)
		return ok && len(rows) == 1
	}, waitFor, tick)
	assert.Equal(t, 1, n.count(), "no notification after unsubscribe")
}

func TestDestroyStopsWork(t *testing.T) {
	db := newTestDB(t)

	r := db.LiveQuery(selectUsers)
	waitForData(t, r)

	var n notifications
	r.Subscribe(n.cb)
	require.Equal(t, 1, n.count())

	r.Destroy()
	insertUser(t, db, "1", "Alice", "a@a.com")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, n.count())
	assert.Empty(t, r.Data(), "destroyed query keeps its last snapshot")
}

func TestSubscriberPanicDoesNotStarveOthers(t *testing.T) {
	db := newTestDB(t)

	r := db.LiveQuery(selectUsers)
	defer r.Destroy()
	waitForData(t, r)

	r.Subscribe(func(any) { panic("bad subscriber") })
	var n notifications
	unsub := r.Subscribe(n.cb)
	defer unsub()
	require.Equal(t, 1, n.count())

	insertUser(t, db, "1", "Alice", "a@a.com")
	require.Eventually(t, func() bool { return n.count() == 2 }, waitFor, tick)
}

func TestNotificationOrderFollowsRegistration(t *testing.T) {
	db := newTestDB(t)

	r := db.LiveQuery(selectUsers)
	defer r.Destroy()
	waitForData(t, r)

	var mu sync.Mutex
	var order []string
	sub := func(name string) func(any) {
		return func(any) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	defer r.Subscribe(sub("first"))()
	defer r.Subscribe(sub("second"))()

	insertUser(t, db, "1", "Alice", "a@a.com")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "first", "second"}, order)
}

func TestDependencyCaptureSpansAllStatements(t *testing.T) {
	db := newTestDB(t)

	// builder reads two tables in separate statements; both must land in the
	// dependency set
	r := db.LiveQuery(func(ctx context.Context, q *Queryer) (any, error) {
		users, err := q.All(ctx, qb.Select().From("users"))
		if err != nil {
			return nil, err
		}
		posts, err := q.All(ctx, qb.Select().From("posts"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"users": users, "posts": posts}, nil
	})
	defer r.Destroy()
	waitForData(t, r)

	var n notifications
	unsub := r.Subscribe(n.cb)
	defer unsub()
	require.Equal(t, 1, n.count())

	require.NoError(t, db.Exec(context.Background(),
		qb.Insert("posts").Values(map[string]any{
			"id": "p1", "author_id": "1", "body": "hi",
		})))
	require.Eventually(t, func() bool { return n.count() == 2 }, waitFor, tick)

	insertUser(t, db, "1", "Alice", "a@a.com")
	require.Eventually(t, func() bool { return n.count() == 3 }, waitFor, tick)
}

func TestNestedLiveQueryIsRejected(t *testing.T) {
	db := newTestDB(t)

	r := db.LiveQuery(func(ctx context.Context, q *Queryer) (any, error) {
		if _, err := q.LiveQuery(selectUsers); err != nil {
			return nil, err
		}
		return selectUsers(ctx, q)
	})
	defer r.Destroy()

	require.Eventually(t, func() bool { return r.Err() != nil }, waitFor, tick)
	var ue *UsageError
	assert.ErrorAs(t, r.Err(), &ue)
}

func TestRapidChangesCoalesce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	r := db.LiveQuery(selectUsers)
	defer r.Destroy()
	waitForData(t, r)

	for i := 0; i < 20; i++ {
		require.NoError(t, db.Exec(ctx, qb.Insert("users").Values(map[string]any{
			"id": string(rune('a' + i)), "name": "u", "email": nil,
		})))
	}

	require.Eventually(t, func() bool {
		rows, ok := r.Data().([]map[string]any)
		return ok && len(rows) == 20
	}, waitFor, tick)
	assert.NoError(t, r.Err())
}
