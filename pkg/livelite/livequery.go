package livelite

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/livelite/livelite/internal/logutil"
	"github.com/livelite/livelite/pkg/tabledeps"
)

// Builder produces one result snapshot for a live query. It runs against the
// supplied Queryer; every refetch invokes it afresh. Builders must not
// register further live queries and should not issue mutations.
type Builder func(ctx context.Context, q *Queryer) (any, error)

// registry holds the live-query records the change router scans.
type registry struct {
	mu     sync.RWMutex
	data   map[uint64]*Result
	nextID uint64
}

func newRegistry() *registry {
	return &registry{data: make(map[uint64]*Result)}
}

func (r *registry) register(q *Result) uint64 {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.data[id] = q
	r.mu.Unlock()
	return id
}

func (r *registry) unregister(id uint64) {
	r.mu.Lock()
	delete(r.data, id)
	r.mu.Unlock()
}

func (r *registry) forEach(fn func(*Result)) {
	r.mu.RLock()
	snapshot := make([]*Result, 0, len(r.data))
	for _, q := range r.data {
		snapshot = append(snapshot, q)
	}
	r.mu.RUnlock()
	for _, q := range snapshot {
		fn(q)
	}
}

type subscriber struct {
	id uint64
	fn func(data any)
}

// Result is the live handle to one registered query: the current snapshot
// plus subscription, refetch and teardown operations.
type Result struct {
	id      uint64
	db      *DB
	builder Builder

	mu        sync.Mutex
	data      any
	dataSet   bool
	err       error
	loading   bool
	deps      map[string]struct{}
	depsSet   bool
	subs      []subscriber
	nextSubID uint64
	destroyed bool

	// refetch serialization: one loop at a time, bursts coalesce into a
	// single trailing run
	running bool
	pending bool
}

func (db *DB) newLiveQuery(builder Builder) *Result {
	r := &Result{
		db:      db,
		builder: builder,
		loading: true,
		deps:    make(map[string]struct{}),
	}
	r.id = db.registry.register(r)
	r.scheduleRefetch()
	return r
}

// Data returns the latest successful result, or nil before the first
// successful fetch.
func (r *Result) Data() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}

// Err returns the error of the most recent failed fetch. A later successful
// fetch clears it.
func (r *Result) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Loading reports whether a fetch is in flight or no fetch has settled yet.
func (r *Result) Loading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading
}

// Subscribe registers cb for data-change notifications. When data is already
// present, cb is invoked with it synchronously before Subscribe returns. The
// returned function removes the subscription.
func (r *Result) Subscribe(cb func(data any)) (unsubscribe func()) {
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	r.subs = append(r.subs, subscriber{id: id, fn: cb})
	replay := r.dataSet
	data := r.data
	r.mu.Unlock()

	if replay {
		r.invoke(cb, data)
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// Refetch schedules a re-execution of the builder.
func (r *Result) Refetch() { r.scheduleRefetch() }

// Destroy unregisters the query. An in-flight refetch completes, but its
// notifications are suppressed; later table changes do no work for this
// record.
func (r *Result) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	r.subs = nil
	r.mu.Unlock()
	r.db.registry.unregister(r.id)
}

// dependsOn reports whether the record's dependency set contains the
// lowercase table name.
func (r *Result) dependsOn(table string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.deps[table]
	return ok
}

func (r *Result) scheduleRefetch() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	if r.running {
		r.pending = true
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()
	go r.refetchLoop()
}

func (r *Result) refetchLoop() {
	for {
		r.refetchOnce()
		r.mu.Lock()
		if r.pending && !r.destroyed {
			r.pending = false
			r.mu.Unlock()
			continue
		}
		r.running = false
		r.mu.Unlock()
		return
	}
}

func (r *Result) refetchOnce() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.loading = true
	firstRun := !r.depsSet
	r.mu.Unlock()

	sess := r.db.sess
	var collector *tabledeps.Collector
	if firstRun {
		collector = tabledeps.NewCollector()
		sess = sess.WithCollector(collector)
	}
	q := &Queryer{db: r.db, sess: sess}

	data, err := r.builder(context.Background(), q)

	r.mu.Lock()
	if err != nil {
		r.err = err
		r.loading = false
		r.mu.Unlock()
		return
	}
	if firstRun {
		for _, t := range collector.Tables() {
			r.deps[t] = struct{}{}
		}
		r.depsSet = true
	}
	changed := !r.dataSet || !Equal(r.data, data)
	r.err = nil
	r.loading = false
	if !changed || r.destroyed {
		r.mu.Unlock()
		return
	}
	r.data = data
	r.dataSet = true
	subs := append([]subscriber(nil), r.subs...)
	r.mu.Unlock()

	for _, s := range subs {
		r.invoke(s.fn, data)
	}
}

// invoke runs one subscriber callback with panic isolation so a failing
// subscriber cannot starve the ones registered after it.
func (r *Result) invoke(cb func(any), data any) {
	defer func() {
		if p := recover(); p != nil {
			r.db.log.Error("live-query subscriber panicked",
				logutil.Values(zap.Uint64("query", r.id), zap.Any("panic", p)))
		}
	}()
	cb(data)
}
