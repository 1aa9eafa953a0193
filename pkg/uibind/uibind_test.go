package uibind

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livelite/livelite/pkg/engine/crlite"
	"github.com/livelite/livelite/pkg/livelite"
	"github.com/livelite/livelite/pkg/qb"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestDB(t *testing.T) *livelite.DB {
	t.Helper()
	e, err := crlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	db, err := livelite.New(e, livelite.Config{Schema: qb.NewSchema(
		qb.NewTable("notes", qb.Text("id").PK(), qb.Text("body")),
	)})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.CreateTables(context.Background()))
	return db
}

func notesQuery(db *livelite.DB) func() *livelite.Result {
	return func() *livelite.Result {
		return db.LiveQuery(func(ctx context.Context, q *livelite.Queryer) (any, error) {
			return q.All(ctx, qb.Select().From("notes").OrderBy("id"))
		})
	}
}

func waitSettled(t *testing.T, s *Store) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return !snap.Loading && snap.Data != nil
	}, waitFor, tick)
}

func TestBindMemoizesPerFactory(t *testing.T) {
	db := newTestDB(t)
	factory := notesQuery(db)

	s1 := Bind(factory)
	s2 := Bind(factory)
	assert.Same(t, s1, s2)
	assert.Same(t, s1.Result(), s2.Result())
	defer s1.Result().Destroy()

	other := Bind(notesQuery(db))
	defer other.Result().Destroy()
	assert.NotSame(t, s1, other)
}

func TestSnapshotTracksLiveQuery(t *testing.T) {
	db := newTestDB(t)
	s := BindOwned(notesQuery(db))
	defer s.Release()
	waitSettled(t, &s.Store)

	notified := make(chan struct{}, 8)
	unsub := s.Subscribe(func() { notified <- struct{}{} })
	defer unsub()
	// the live query replays its current data on subscribe
	require.Len(t, notified, 1)
	<-notified

	require.NoError(t, db.Exec(context.Background(),
		qb.Insert("notes").Values(map[string]any{"id": "n1", "body": "hello"})))

	select {
	case <-notified:
	case <-time.After(waitFor):
		t.Fatal("no change notification")
	}
	snap := s.Snapshot()
	rows, ok := snap.Data.([]map[string]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, "hello", rows[0]["body"])
	assert.NoError(t, snap.Err)
	assert.False(t, snap.Loading)
}

func TestReleaseDestroysOwnedQuery(t *testing.T) {
	db := newTestDB(t)
	s := BindOwned(notesQuery(db))
	waitSettled(t, &s.Store)

	s.Release()
	s.Release()

	require.NoError(t, db.Exec(context.Background(),
		qb.Insert("notes").Values(map[string]any{"id": "n1", "body": "hello"})))

	assert.Never(t, func() bool {
		rows, ok := s.Snapshot().Data.([]map[string]any)
		return ok && len(rows) > 0
	}, 100*tick, tick)
}

func TestWatchDeliversSnapshots(t *testing.T) {
	db := newTestDB(t)
	s := BindOwned(notesQuery(db))
	defer s.Release()
	waitSettled(t, &s.Store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Watch(ctx)

	require.NoError(t, db.Exec(context.Background(),
		qb.Insert("notes").Values(map[string]any{"id": "n1", "body": "hello"})))

	select {
	case snap := <-ch:
		rows, ok := snap.Data.([]map[string]any)
		require.True(t, ok)
		assert.Len(t, rows, 1)
	case <-time.After(waitFor):
		t.Fatal("no snapshot on the watch channel")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, waitFor, tick)
}
