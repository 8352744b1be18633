// Package entry resolves the names carried by Exec requests to runnable entry
// points.
package entry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotFound means no unit with the requested name exists.
	ErrNotFound = errors.New("entry point unit not found")

	// ErrNoEntry means the unit exists but has no callable entry function.
	ErrNoEntry = errors.New("unit has no entry function")
)

// Main is a task body. It receives the Exec parameters and reaches its
// standard streams through the stdio multiplexer bound to ctx.
type Main func(ctx context.Context, args []string) error

// Resolver maps a name to an entry point. Implementations return errors
// wrapping ErrNotFound or ErrNoEntry for the two expected misses.
type Resolver interface {
	Resolve(ctx context.Context, name string) (Main, error)
}

// Registry holds entry points compiled into the worker, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	mains map[string]Main
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{mains: make(map[string]Main)}
}

// Register adds fn under name, replacing any previous registration.
// A nil fn registers a unit without an entry function.
func (r *Registry) Register(name string, fn Main) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mains[name] = fn
}

// Resolve returns the entry point registered under name.
func (r *Registry) Resolve(_ context.Context, name string) (Main, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.mains[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoEntry, name)
	}
	return fn, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.mains))
	for name := range r.mains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Chain tries each resolver in order. A not-found miss falls through to the
// next resolver; any other error stops the search.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, name string) (Main, error) {
	for _, r := range c {
		fn, err := r.Resolve(ctx, name)
		if err == nil {
			return fn, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}
