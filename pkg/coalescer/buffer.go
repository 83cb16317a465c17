package coalescer

import "sync"

// buffer accumulates messages between flushes. append and detach are its
// only mutations.
type buffer[T any] struct {
	mu    sync.Mutex
	items []T
	// observe, if set, is given the new length after every mutation while
	// the lock is still held, so observers never see lengths out of order.
	observe func(n int)
}

func (b *buffer[T]) append(msg T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, msg)
	b.notify()
	return len(b.items)
}

// detach hands back the buffered messages and leaves a fresh, empty buffer
// in their place. The returned slice is never touched by the buffer again.
func (b *buffer[T]) detach() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.items
	b.items = nil
	b.notify()
	return batch
}

func (b *buffer[T]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *buffer[T]) notify() {
	if b.observe != nil {
		b.observe(len(b.items))
	}
}
