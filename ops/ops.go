// Package ops defines operation codes and the immutable name-to-code registry
// supplied by an executor at startup.
//
// The dispatcher never invents operation codes: the executor publishes its
// table once, the registry copies it, and callers resolve each name a single
// time during wiring and treat the code as an opaque constant afterwards.
package ops

import (
	"errors"
	"fmt"
	"sort"
)

// Code identifies an executor-side operation. Small, non-negative, fixed for
// the process lifetime.
type Code uint32

// ErrUnknownOperation reports a name lookup that the executor's table does
// not contain.
var ErrUnknownOperation = errors.New("ops: unknown operation")

// Registry is a fixed mapping from operation name to Code. Immutable after
// construction; safe for concurrent lookups.
type Registry struct {
	codes map[string]Code
	names map[Code]string
}

// NewRegistry builds a registry from the executor's operation table. The
// input map is copied — later mutation of it does not affect the registry.
func NewRegistry(table map[string]Code) *Registry {
	codes := make(map[string]Code, len(table))
	names := make(map[Code]string, len(table))
	for name, code := range table {
		codes[name] = code
		names[code] = name
	}
	return &Registry{codes: codes, names: names}
}

// Lookup resolves an operation name to its code.
func (r *Registry) Lookup(name string) (Code, error) {
	code, ok := r.codes[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}
	return code, nil
}

// MustLookup is Lookup for startup wiring, where a missing operation is a
// configuration error. Panics on unknown names.
func (r *Registry) MustLookup(name string) Code {
	code, err := r.Lookup(name)
	if err != nil {
		panic(err)
	}
	return code
}

// NameOf is the reverse lookup, used for log and metric labels. If the
// executor's table mapped several names to one code, one of them is returned.
func (r *Registry) NameOf(code Code) (string, bool) {
	name, ok := r.names[code]
	return name, ok
}

// Names returns all registered operation names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.codes))
	for name := range r.codes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered operations.
func (r *Registry) Len() int {
	return len(r.codes)
}
