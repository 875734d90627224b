// Package registry holds the append-only collections a session subscribes
// from: requested fields and subscribable securities.
//
// Both registries are keyed by a caller-chosen name, deduplicate on that
// name, remember creation order, and are safe for concurrent use without
// caller-side locking. There is no removal API.
package registry

import (
	"errors"
	"strings"
	"sync"
)

// ErrInvalidArgument is returned for empty names and identifiers.
var ErrInvalidArgument = errors.New("invalid argument")

// ordered is a name-keyed, insertion-ordered set of T.
type ordered[T any] struct {
	mu    sync.RWMutex
	items map[string]T
	order []T
}

func newOrdered[T any]() *ordered[T] {
	return &ordered[T]{items: make(map[string]T)}
}

// ensure returns the item for name, creating it with create on first use.
// Concurrent callers for the same name observe the same item.
func (o *ordered[T]) ensure(name string, create func(index int) T) T {
	o.mu.RLock()
	item, ok := o.items[name]
	o.mu.RUnlock()
	if ok {
		return item
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// Another caller may have won between the locks.
	if item, ok := o.items[name]; ok {
		return item
	}

	item = create(len(o.order))
	o.items[name] = item
	o.order = append(o.order, item)
	return item
}

func (o *ordered[T]) get(name string) (T, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[name]
	return item, ok
}

// all returns a snapshot in creation order.
func (o *ordered[T]) all() []T {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]T, len(o.order))
	copy(out, o.order)
	return out
}

func (o *ordered[T]) len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.order)
}

func validName(name string) bool {
	return strings.TrimSpace(name) != ""
}
