package flow

import (
	"context"
	"sync"
)

// Pending is the result of an operation completing on a runtime goroutine.
// It resolves exactly once, either with a value or an error.
//
// Every Pending must eventually be resolved or rejected. Then and Handle
// each park a goroutine on their parent until it completes, so a Pending
// that is dropped unresolved leaks those goroutines. Pendings returned by
// the runtime always complete: gate flips are rejected with
// ErrRuntimeRejected when the gate terminates.
type Pending[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

// NewPending returns an unresolved Pending. The caller owns completing it.
func NewPending[T any]() *Pending[T] {
	return &Pending[T]{done: make(chan struct{})}
}

// Resolved returns a Pending already completed with v.
func Resolved[T any](v T) *Pending[T] {
	p := NewPending[T]()
	p.Resolve(v)
	return p
}

// Failed returns a Pending already completed with err.
func Failed[T any](err error) *Pending[T] {
	p := NewPending[T]()
	p.Reject(err)
	return p
}

// Resolve completes the Pending with v. Returns false if it was already complete.
func (p *Pending[T]) Resolve(v T) bool {
	return p.complete(v, nil)
}

// Reject completes the Pending with err. Returns false if it was already complete.
func (p *Pending[T]) Reject(err error) bool {
	var zero T
	return p.complete(zero, err)
}

func (p *Pending[T]) complete(v T, err error) bool {
	completed := false
	p.once.Do(func() {
		p.value = v
		p.err = err
		close(p.done)
		completed = true
	})
	return completed
}

// Done is closed once the Pending completes.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the Pending completes or ctx ends.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Completed reports whether the Pending has resolved or failed.
func (p *Pending[T]) Completed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Then runs fn on the value of p once it resolves. Errors from p skip fn and
// propagate unchanged. The goroutine waiting on p exits only when p completes.
func Then[T, U any](p *Pending[T], fn func(T) (U, error)) *Pending[U] {
	return Handle(p, func(v T, err error) (U, error) {
		if err != nil {
			var zero U
			return zero, err
		}
		return fn(v)
	})
}

// Handle runs fn once p completes, whatever the outcome. The goroutine
// waiting on p exits only when p completes.
func Handle[T, U any](p *Pending[T], fn func(T, error) (U, error)) *Pending[U] {
	next := NewPending[U]()
	go func() {
		<-p.done
		v, err := fn(p.value, p.err)
		if err != nil {
			next.Reject(err)
			return
		}
		next.Resolve(v)
	}()
	return next
}
