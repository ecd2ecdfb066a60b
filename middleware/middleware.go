// Package middleware provides interceptors for the dispatcher's invoke path.
//
// A Middleware wraps an Invoker the same way HTTP middleware wraps a handler:
// Chain(A, B, C)(invoke) runs A before B before C before the real dispatch,
// and unwinds in reverse on the way out.
package middleware

import (
	"strconv"

	"mini-ops/ops"
	"mini-ops/pending"
)

// Invoker is the dispatch function middleware wraps: it submits one operation
// and reports the outcome on exactly one of the three returns — an immediate
// result, a pending call to wait on, or an error.
type Invoker func(op ops.Code, arg int, payload []byte) (int32, *pending.Call, error)

// Middleware wraps an Invoker with extra behavior.
type Middleware func(next Invoker) Invoker

// Chain combines multiple middlewares into one. They are applied in the order
// given: the first middleware sees the invoke first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// opName resolves a code through the registry for log and metric labels,
// falling back to the decimal code.
func opName(names *ops.Registry, code ops.Code) string {
	if names != nil {
		if name, ok := names.NameOf(code); ok {
			return name
		}
	}
	return strconv.FormatUint(uint64(code), 10)
}

// pathOf labels which completion path an invoke took.
func pathOf(call *pending.Call) string {
	if call != nil {
		return "async"
	}
	return "sync"
}
