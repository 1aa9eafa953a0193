// Package uibind bridges live queries into rendering layers that follow the
// external-store contract: a subscribe function plus a snapshot getter that
// returns a fresh immutable value per call.
package uibind

import (
	"context"
	"sync"
	"unsafe"

	"github.com/livelite/livelite/pkg/livelite"
)

// Snapshot is one immutable view of a live query's state.
type Snapshot struct {
	Data    any
	Err     error
	Loading bool
}

// Store is the external-store surface over one live query.
type Store struct {
	res *livelite.Result

	// factory keeps a memoized factory reachable, so the address Bind keys
	// it by is never reused by another closure
	factory func() *livelite.Result
}

// Snapshot returns a fresh snapshot of the current state.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{Data: s.res.Data(), Err: s.res.Err(), Loading: s.res.Loading()}
}

// Subscribe registers a change listener and returns its unsubscribe
// function. When the live query already has data, onChange is also called
// once synchronously before Subscribe returns.
func (s *Store) Subscribe(onChange func()) (unsubscribe func()) {
	return s.res.Subscribe(func(any) { onChange() })
}

// Result exposes the underlying live query.
func (s *Store) Result() *livelite.Result { return s.res }

// Watch adapts the store to a channel for select-loop consumers. When the live
// query already has data, its current snapshot is queued first. After that a
// snapshot is sent on every data change until ctx is canceled; slow consumers see the
// latest snapshot, intermediate ones are dropped.
func (s *Store) Watch(ctx context.Context) <-chan Snapshot {
	out := make(chan Snapshot, 1)
	var mu sync.Mutex
	closed := false
	unsub := s.res.Subscribe(func(any) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		snap := s.Snapshot()
		for {
			select {
			case out <- snap:
				return
			default:
				select {
				case <-out:
				default:
				}
			}
		}
	})
	go func() {
		<-ctx.Done()
		unsub()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out
}

// binder memoizes the live query per factory identity, so a rendering layer
// that calls Bind on every render reuses one registration.
type binder struct {
	mu     sync.Mutex
	stores map[uintptr]*Store
}

var shared = &binder{stores: make(map[uintptr]*Store)}

// Bind returns the store for factory, creating the live query on first use.
// The same factory function yields the same store; the live query is never
// destroyed implicitly, since other consumers may share it. Use BindOwned
// when the caller is the sole owner.
func Bind(factory func() *livelite.Result) *Store {
	// A func value points at its closure object; that address identifies this
	// factory value, while the code pointer is shared by every closure made
	// from the same function literal.
	key := uintptr(*(*unsafe.Pointer)(unsafe.Pointer(&factory)))

	shared.mu.Lock()
	defer shared.mu.Unlock()
	if st, ok := shared.stores[key]; ok {
		return st
	}
	st := &Store{res: factory(), factory: factory}
	shared.stores[key] = st
	return st
}

// OwnedStore is a store whose live query the caller owns exclusively.
type OwnedStore struct {
	Store
	once sync.Once
}

// Release destroys the underlying live query. Safe to call more than once.
func (s *OwnedStore) Release() {
	s.once.Do(func() { s.res.Destroy() })
}

// BindOwned creates a fresh, unmemoized store whose live query is destroyed
// by Release.
func BindOwned(factory func() *livelite.Result) *OwnedStore {
	return &OwnedStore{Store: Store{res: factory()}}
}
