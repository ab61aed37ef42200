// Package pending tracks in-flight calls by correlation id and hands each
// call's result to the goroutine waiting for it.
package pending

import (
	"errors"
	"math"
	"strconv"
	"sync"
)

// ErrExhausted is returned by Allocate when every id up to the ceiling is in use.
var ErrExhausted = errors.New("pending: no free correlation id")

// DefaultMaxID keeps ids representable as signed 64-bit integers for peers
// that parse them back into numbers.
const DefaultMaxID uint64 = math.MaxInt64

type config struct {
	maxID uint64
}

// Option configures a Registry.
type Option func(*config)

// WithMaxID sets the largest id the counter issues before wrapping to 1.
// Values below 1 are ignored.
func WithMaxID(n uint64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxID = n
		}
	}
}

// Registry maps correlation ids to the futures of calls still waiting for a
// response. The counter and the map are guarded by the same lock.
type Registry[T any] struct {
	mu    sync.Mutex
	last  uint64
	maxID uint64
	calls map[string]*Future[T]
}

// NewRegistry creates an empty Registry whose first id is "1".
func NewRegistry[T any](opts ...Option) *Registry[T] {
	cfg := config{maxID: DefaultMaxID}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry[T]{
		maxID: cfg.maxID,
		calls: make(map[string]*Future[T]),
	}
}

// Allocate issues the next free id and registers a pending future under it.
// The counter wraps to 1 after maxID; ids still held by a pending call are
// skipped so an allocation never returns an id in use.
func (r *Registry[T]) Allocate() (string, *Future[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if uint64(len(r.calls)) >= r.maxID {
		return "", nil, ErrExhausted
	}

	for {
		r.last = r.advance(r.last)
		id := strconv.FormatUint(r.last, 10)
		if _, busy := r.calls[id]; busy {
			continue
		}
		f := newFuture[T](id, nil)
		f.release = func() { r.remove(id, f) }
		r.calls[id] = f
		return id, f, nil
	}
}

func (r *Registry[T]) advance(n uint64) uint64 {
	if n >= r.maxID {
		return 1
	}
	return n + 1
}

// Resolve completes the future registered under id with v and removes it.
// It returns false if id is unknown or its call was already canceled.
func (r *Registry[T]) Resolve(id string, v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.calls[id]
	if !ok {
		return false
	}
	delete(r.calls, id)
	return f.Complete(v)
}

// Free removes id if present. Safe to call more than once.
func (r *Registry[T]) Free(id string) {
	r.mu.Lock()
	delete(r.calls, id)
	r.mu.Unlock()
}

// remove frees id only while it still belongs to f, so a late release
// cannot evict a newer call that reused the id after a wrap.
func (r *Registry[T]) remove(id string, f *Future[T]) {
	r.mu.Lock()
	if r.calls[id] == f {
		delete(r.calls, id)
	}
	r.mu.Unlock()
}

// Len returns the number of outstanding calls.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
