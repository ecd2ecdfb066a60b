// Package pending implements the correlation side of the dispatch protocol:
// a single-resolution future for the integer result of a deferred operation,
// and the table that routes completion notifications back to the right one.
//
// Each deferred call waits on its own future, so completions can arrive in
// any order — the table matches them up by correlation id:
//
//	caller-1 ──invoke──→ Register(5, call-5) ─┐
//	caller-2 ──invoke──→ Register(6, call-6) ─┼─→ executor
//	                                          │
//	  Resolve(6, r) ←── completion(id=6) ←────┤  (6 may finish before 5)
//	  Resolve(5, r) ←── completion(id=5) ←────┘
package pending

import (
	"context"
	"errors"
)

var (
	// ErrDuplicateCorrelationID reports a Register for an id that is already
	// pending. With a monotonic allocator this never happens; seeing it means
	// a programming error on the dispatch side.
	ErrDuplicateCorrelationID = errors.New("pending: correlation id already registered")

	// ErrUnknownCorrelationID reports a completion for an id with no pending
	// entry — a duplicate completion, a spurious notification, or a logic
	// bug. It indicates protocol desynchronization and must not be silently
	// dropped by the caller.
	ErrUnknownCorrelationID = errors.New("pending: unknown correlation id")

	// ErrStillPending reports a Result read before the call completed.
	ErrStillPending = errors.New("pending: call still pending")
)

// Call is a promise for the integer result of one deferred operation. It
// completes exactly once — the owning Table removes the entry before
// completing it, so a second completion for the same id never reaches the
// same Call.
type Call struct {
	done   chan struct{}
	result int32
	err    error
}

// NewCall creates an unresolved call.
func NewCall() *Call {
	return &Call{done: make(chan struct{})}
}

// Done returns a channel that is closed when the call has completed. Useful
// for select-based waiting; read the outcome with Result afterwards.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the completion outcome. It does not block: before the call
// completes it reports ErrStillPending.
func (c *Call) Result() (int32, error) {
	select {
	case <-c.done:
		return c.result, c.err
	default:
		return 0, ErrStillPending
	}
}

// Wait blocks until the call completes or ctx is done, whichever comes first.
//
// Wait returning early does not unregister the call: a completion may still
// arrive for it later and is absorbed with nobody reading the result. This is
// how callers layer timeouts on top of the core — race the future against a
// deadline, then walk away.
func (c *Call) Wait(ctx context.Context) (int32, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// complete fulfills the call. Completing never blocks, whether or not anyone
// is waiting. Must be called at most once; the Table guarantees this by
// removing the map entry before calling it.
func (c *Call) complete(result int32, err error) {
	c.result = result
	c.err = err
	close(c.done)
}
