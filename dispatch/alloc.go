package dispatch

import (
	"errors"
	"math"
	"sync"
)

// ErrCorrelationExhausted reports that the allocator has run out of ids. Ids
// are never reused, so once the counter reaches its ceiling the dispatcher
// fails closed rather than wrapping around into ids that may still be
// pending.
var ErrCorrelationExhausted = errors.New("dispatch: correlation ids exhausted")

// Allocator produces the correlation ids for deferred calls: a monotonically
// increasing sequence of positive values starting at 1. Id 0 is reserved for
// calls that need no correlation and is never handed out.
//
// Callers may invoke from multiple goroutines, so the counter is guarded.
type Allocator struct {
	mu   sync.Mutex
	next int32
}

// NewAllocator creates an allocator whose first id is 1.
func NewAllocator() *Allocator {
	return &Allocator{next: 1}
}

// Next returns a fresh id, strictly greater than every id returned before.
func (a *Allocator) Next() (int32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next == math.MaxInt32 {
		return 0, ErrCorrelationExhausted
	}
	id := a.next
	a.next++
	return id, nil
}
