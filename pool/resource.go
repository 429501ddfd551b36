package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ResourcePool hands out a fixed set of reusable resources, such as
// connections or preallocated buffers. Waiters are served in FIFO order,
// so a burst of handlers cannot starve an early requester.
type ResourcePool[T any] struct {
	sem *semaphore.Weighted

	mu   sync.Mutex
	free []T
}

// NewResourcePool builds a pool over the given resources. The slice is
// owned by the pool afterwards.
func NewResourcePool[T any](resources []T) *ResourcePool[T] {
	return &ResourcePool[T]{
		sem:  semaphore.NewWeighted(int64(len(resources))),
		free: resources,
	}
}

// Acquire blocks until a resource is free or ctx ends. Every successful
// Acquire must be paired with Release; prefer With, which guarantees it.
func (p *ResourcePool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	p.mu.Lock()
	res := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.mu.Unlock()
	return res, nil
}

// Release returns a resource to the pool.
func (p *ResourcePool[T]) Release(res T) {
	p.mu.Lock()
	p.free = append(p.free, res)
	p.mu.Unlock()
	p.sem.Release(1)
}

// With runs fn with an acquired resource and releases it afterwards, even
// when fn panics.
func (p *ResourcePool[T]) With(ctx context.Context, fn func(T) error) error {
	res, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(res)
	return fn(res)
}

// Free returns how many resources are currently available.
func (p *ResourcePool[T]) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
