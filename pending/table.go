package pending

import (
	"fmt"
	"sync"
)

// Table maps correlation ids to unresolved calls. Entries are inserted when a
// call is dispatched without an immediate answer and removed exactly once,
// when the matching completion arrives.
//
// Dispatches and completions run on different goroutines (the executor
// notifies from its own), so every mutation goes through the mutex.
type Table struct {
	mu    sync.Mutex
	calls map[int32]*Call
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{calls: make(map[int32]*Call)}
}

// Register files call under id. Registering an id that is already pending
// fails with ErrDuplicateCorrelationID and leaves the existing entry intact.
func (t *Table) Register(id int32, call *Call) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateCorrelationID, id)
	}
	t.calls[id] = call
	return nil
}

// Resolve removes the entry for id and fulfills its call with result. A
// completion for an id that is not pending — duplicate, spurious, or never
// registered — fails with ErrUnknownCorrelationID and changes nothing.
func (t *Table) Resolve(id int32, result int32) error {
	call, err := t.take(id)
	if err != nil {
		return err
	}
	call.complete(result, nil)
	return nil
}

// Fail removes the entry for id and rejects its call with err. Same lookup
// contract as Resolve.
func (t *Table) Fail(id int32, err error) error {
	call, terr := t.take(id)
	if terr != nil {
		return terr
	}
	call.complete(0, err)
	return nil
}

// Forget removes the entry for id without completing its call, reporting
// whether an entry existed. The dispatcher uses this to back out a
// registration when the executor answered inline or rejected the submission —
// the caller got its outcome through the submit path and the call is
// discarded unused.
func (t *Table) Forget(id int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.calls[id]
	delete(t.calls, id)
	return ok
}

// FailAll rejects every pending call with err and empties the table,
// returning how many calls were rejected. For teardown, when the executor is
// gone and no completion can ever arrive for the outstanding ids.
func (t *Table) FailAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[int32]*Call)
	t.mu.Unlock()

	for _, call := range calls {
		call.complete(0, err)
	}
	return len(calls)
}

// Len reports the number of outstanding calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// take removes and returns the call registered under id. Removal happens
// under the lock, completion does not: whoever takes the entry is the only
// one who will ever complete that call.
func (t *Table) take(id int32) (*Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCorrelationID, id)
	}
	delete(t.calls, id)
	return call, nil
}
