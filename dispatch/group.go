package dispatch

import (
	"errors"
	"sync"
)

var ErrOperationInProgress = errors.New("operation already in progress")

// Completion receives the shared outcome of a de-duplicated operation.
type Completion[T any] func(value T, err error)

// Group coalesces duplicate in-flight operations keyed by a request
// fingerprint. The first registration for a key owns the underlying
// operation; later registrations attach to its completion fan-out. All
// completions for a key are invoked exactly once, in registration order,
// when the owner reports the outcome.
type Group[T any] struct {
	mu       sync.Mutex
	inFlight map[string][]Completion[T]
}

func NewGroup[T any]() *Group[T] {
	return &Group[T]{
		inFlight: make(map[string][]Completion[T]),
	}
}

// Add registers completion under key and reports whether the caller is the
// operation owner and must start the underlying operation.
func (g *Group[T]) Add(key string, completion Completion[T]) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	waiters, exists := g.inFlight[key]
	g.inFlight[key] = append(waiters, completion)
	return !exists
}

// AddOrFail registers completion under key only if no operation is in
// flight. Callers that cannot usefully share a result use this to reject
// the duplicate up front instead of attaching.
func (g *Group[T]) AddOrFail(key string, completion Completion[T]) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.inFlight[key]; exists {
		return ErrOperationInProgress
	}
	g.inFlight[key] = []Completion[T]{completion}
	return nil
}

// Complete removes the registration for key and invokes every waiter with
// the shared outcome, in the order they registered.
func (g *Group[T]) Complete(key string, value T, err error) {
	g.mu.Lock()
	waiters := g.inFlight[key]
	delete(g.inFlight, key)
	g.mu.Unlock()

	for _, completion := range waiters {
		completion(value, err)
	}
}

// InFlight reports whether an operation is currently registered under key.
func (g *Group[T]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, exists := g.inFlight[key]
	return exists
}
