// Package pending correlates outstanding requests with the responses that
// complete them.
//
// A requester mints a tag, registers it with Start and blocks on the returned
// Result. When the reply carrying that tag arrives, the reader calls Finish to
// hand over the value. Replies may arrive in any order.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownTag is returned by Finish when the tag was never started or has
// already been finished.
var ErrUnknownTag = errors.New("unknown correlation tag")

// Result is a single-assignment value that becomes available once the matching
// reply arrives. Waiting on it requires no lock.
type Result[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newResult[T any]() *Result[T] {
	return &Result[T]{done: make(chan struct{})}
}

func (r *Result[T]) resolve(v T, err error) {
	r.value = v
	r.err = err
	close(r.done)
}

// Done returns a channel closed once the result is available.
func (r *Result[T]) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the result is available or ctx is done.
func (r *Result[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Registry maps outstanding tags to their results.
type Registry[T any] struct {
	mu      sync.Mutex
	pending map[uint32]*Result[T]
	err     error
}

// NewRegistry returns an empty Registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{pending: make(map[uint32]*Result[T])}
}

// Start registers tag and returns the result it will resolve. If the registry
// has been abandoned the result is already failed with the abandon error.
func (g *Registry[T]) Start(tag uint32) *Result[T] {
	r := newResult[T]()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		var zero T
		r.resolve(zero, g.err)
		return r
	}
	if _, dup := g.pending[tag]; dup {
		var zero T
		r.resolve(zero, fmt.Errorf("tag %d already outstanding", tag))
		return r
	}
	g.pending[tag] = r
	return r
}

// Finish removes tag and resolves its result with v.
func (g *Registry[T]) Finish(tag uint32, v T) error {
	return g.complete(tag, v, nil)
}

// Fail removes tag and resolves its result with err.
func (g *Registry[T]) Fail(tag uint32, err error) error {
	var zero T
	return g.complete(tag, zero, err)
}

func (g *Registry[T]) complete(tag uint32, v T, err error) error {
	g.mu.Lock()
	r, ok := g.pending[tag]
	delete(g.pending, tag)
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
	r.resolve(v, err)
	return nil
}

// Abandon fails every outstanding result with err. Results started afterwards
// fail immediately with the same error.
func (g *Registry[T]) Abandon(err error) {
	g.mu.Lock()
	if g.err == nil {
		g.err = err
	}
	drained := g.pending
	g.pending = make(map[uint32]*Result[T])
	g.mu.Unlock()

	var zero T
	for _, r := range drained {
		r.resolve(zero, err)
	}
}

// Len returns the number of outstanding results.
func (g *Registry[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
