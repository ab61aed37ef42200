package pending

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned by a wait that expired before the call completed.
	ErrTimeout = errors.New("pending: call timed out")
	// ErrCanceled is returned by a wait on a call that was cancelled before it completed.
	ErrCanceled = errors.New("pending: call canceled")
)

// State is the lifecycle state of a Future.
type State int

const (
	StatePending State = iota
	StateCompleted
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Future holds the single result of one outstanding call.
// It moves from pending to either completed or canceled exactly once.
type Future[T any] struct {
	id      string
	release func()

	mu     sync.Mutex
	state  State
	value  T
	reason error
	done   chan struct{}
}

func newFuture[T any](id string, release func()) *Future[T] {
	return &Future[T]{
		id:      id,
		release: release,
		done:    make(chan struct{}),
	}
}

// ID returns the correlation id the future was allocated under.
func (f *Future[T]) ID() string {
	return f.id
}

// State reports the current lifecycle state.
func (f *Future[T]) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Done is closed once the future is completed or canceled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Complete sets the value and wakes all waiters. It returns false when the
// future was already completed or canceled; the first write wins.
func (f *Future[T]) Complete(v T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StatePending {
		return false
	}
	f.value = v
	f.state = StateCompleted
	close(f.done)
	return true
}

// Cancel marks a pending future canceled and frees its registry slot.
// A completed future cannot be canceled.
func (f *Future[T]) Cancel() bool {
	return f.expire(ErrCanceled)
}

func (f *Future[T]) expire(reason error) bool {
	f.mu.Lock()
	if f.state != StatePending {
		f.mu.Unlock()
		return false
	}
	f.state = StateCanceled
	f.reason = reason
	close(f.done)
	f.mu.Unlock()

	if f.release != nil {
		f.release()
	}
	return true
}

// Wait blocks until the future is completed or canceled, or ctx is done.
// Use context.Background() to wait indefinitely. When ctx ends first the
// call is canceled and its slot freed: a deadline yields ErrTimeout and
// any other cancellation yields ErrCanceled. A value that lands in the same
// instant may still win; callers must not rely on either outcome.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result()
	case <-ctx.Done():
		reason := ErrCanceled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = ErrTimeout
		}
		f.expire(reason)
		return f.result()
	}
}

// WaitTimeout waits at most d. On expiry the slot is freed, so a late
// response for this id is discarded, and ErrTimeout is returned.
func (f *Future[T]) WaitTimeout(d time.Duration) (T, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.result()
	case <-timer.C:
		f.expire(ErrTimeout)
		return f.result()
	}
}

func (f *Future[T]) result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateCompleted {
		return f.value, nil
	}
	var zero T
	return zero, f.reason
}
