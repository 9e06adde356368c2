package core

import "sync"

// Buffer is the append-only pending queue owned by one exporter. A single
// mutex guards both ends so a drain always detaches the full pending set or
// nothing; neither operation performs I/O.
type Buffer[T any] struct {
	mu        sync.Mutex
	pending   []T
	threshold int
}

// NewBuffer creates a buffer that reports the size threshold once the
// pending length reaches threshold.
func NewBuffer[T any](threshold int) *Buffer[T] {
	return &Buffer[T]{threshold: threshold}
}

// Append adds a record and returns the new length plus whether the size
// threshold has been reached. The caller turns a reached threshold into an
// eager flush request.
func (b *Buffer[T]) Append(record T) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, record)
	n := len(b.pending)
	return n, n >= b.threshold
}

// Drain atomically empties the buffer and returns the previous contents;
// nil when nothing is pending.
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	drained := b.pending
	b.pending = nil
	return drained
}

// Len reports the number of pending records.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
