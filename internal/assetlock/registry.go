package assetlock

import (
	"container/list"
	"context"
	"sync"
)

// DefaultCapacity bounds how many group locks are tracked at once. Group ids
// are unbounded over a long run but only a small working set is ever in
// flight simultaneously.
const DefaultCapacity = 1000

type entry struct {
	groupID string
	lock    *sync.Mutex
}

// Registry hands out one mutex per group id so that concurrent work items
// sharing a parent (an album's tracks fetching the same cover, say) can
// deduplicate a shared fetch. Least-recently-used locks are evicted once the
// registry exceeds its capacity; eviction only drops the registry's
// reference, so a lock already handed out stays valid for its holder.
type Registry struct {
	mu       sync.Mutex
	capacity int
	byGroup  map[string]*list.Element
	order    *list.List // front = most recently used
}

// NewRegistry creates a registry bounded to capacity locks (DefaultCapacity
// when <= 0).
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Registry{
		capacity: capacity,
		byGroup:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// LockFor returns the mutex for groupID, creating it on first use. Callers
// racing on the same group id get the same instance.
func (r *Registry) LockFor(groupID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	if elem, ok := r.byGroup[groupID]; ok {
		r.order.MoveToFront(elem)

		return elem.Value.(*entry).lock
	}

	ent := &entry{groupID: groupID, lock: &sync.Mutex{}}
	r.byGroup[groupID] = r.order.PushFront(ent)

	if r.order.Len() > r.capacity {
		oldest := r.order.Back()
		r.order.Remove(oldest)
		delete(r.byGroup, oldest.Value.(*entry).groupID)
	}

	return ent.lock
}

// Len reports how many locks the registry currently tracks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.order.Len()
}

// FetchOnce runs fetch at most once per group for a shared side asset using
// double-checked locking: exists is consulted before taking the group lock
// (fast path for the common "already fetched" case) and again under it.
func (r *Registry) FetchOnce(ctx context.Context, groupID string, exists func() bool, fetch func(ctx context.Context) error) error {
	if exists() {
		return nil
	}

	mu := r.LockFor(groupID)
	mu.Lock()
	defer mu.Unlock()

	if exists() {
		return nil
	}

	return fetch(ctx)
}
