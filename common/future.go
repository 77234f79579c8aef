package common

import (
	"context"
	"sync"
)

// Future single resolution completion handle for an asynchronous operation.
//
// A Future is resolved exactly once; later calls to Resolve are ignored.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewFuture define a new unresolved Future
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// ResolvedFuture define a Future which is already resolved with the given result
func ResolvedFuture(err error) *Future {
	f := NewFuture()
	f.Resolve(err)
	return f
}

// Resolve complete the Future. A nil error means success.
//
// Returns false if the Future was already resolved.
func (f *Future) Resolve(err error) bool {
	resolved := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done channel closed once the Future is resolved
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Error the result of the operation. Only meaningful once Done is closed.
func (f *Future) Error() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// IsResolved whether the Future is resolved
func (f *Future) IsResolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait block until the Future is resolved, or the context is done
func (f *Future) Wait(ctxt context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}
