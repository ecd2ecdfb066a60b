// Package dispatch implements the caller-side core of the operation protocol:
// correlation-id allocation, record submission, the synchronous/asynchronous
// completion decision, and the routing of completion notifications back to
// the right waiter.
//
// Every invocation exchanges a single fixed 12-byte record with the executor.
// The executor either answers inline (fast path) or defers, in which case the
// caller gets a pending call resolved later through the completion handler:
//
//	caller ──Invoke(op, arg)──→ Dispatcher ──record+payload──→ executor
//	                                │                             │
//	                                │←——— answer record (sync) ———┤
//	                                │                             │ …later…
//	 waiter ←── Call resolved ── Complete ←── completion record ──┘
//
// The pending call is registered before the record is submitted: the executor
// runs deferred operations on its own goroutines, and a completion may race
// the return of Submit itself. Registering first means the completion always
// finds its entry; the entry is backed out again if the executor answered
// inline or rejected the submission.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mini-ops/middleware"
	"mini-ops/ops"
	"mini-ops/pending"
	"mini-ops/record"
)

// Executor is the boundary to the component that actually runs operations.
//
// Submit is synchronous: a non-empty return is the 12-byte answer record and
// means the operation completed inline; a nil or empty return means the
// answer will arrive later through the completion handler, correlated by the
// id in the submitted record.
//
// The payload is an optional raw byte buffer passed through untouched. There
// is no ownership transfer: the executor may read or fill it until the call's
// result is observed, so the caller must not reuse the buffer before then.
type Executor interface {
	Submit(op ops.Code, rec []byte, payload []byte) ([]byte, error)

	// SetCompletionHandler registers the callback invoked once per finished
	// deferred operation. Called exactly once, at dispatcher construction.
	SetCompletionHandler(handler func(op ops.Code, completion []byte))

	// Ops returns the executor's operation table, fixed for the process
	// lifetime.
	Ops() map[string]ops.Code
}

// ErrNoSyncAnswer reports a deferral on the uncorrelated path: InvokeSync
// submitted with id 0, so no completion can ever be routed back. The executor
// not answering inline is protocol desynchronization.
var ErrNoSyncAnswer = errors.New("dispatch: executor deferred a call submitted without correlation")

// SubmitError reports an executor-side rejection of a submission. The call it
// belonged to was never registered — or has been unregistered — so no table
// state survives it.
type SubmitError struct {
	Op  ops.Code
	Err error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("dispatch: submit op %d: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Dispatcher is the single entry point for invoking executor operations. It
// owns the correlation state for one executor connection — the id allocator
// and the pending-call table — so several dispatchers against several
// executors can coexist in one process.
type Dispatcher struct {
	exec   Executor
	ops    *ops.Registry
	alloc  *Allocator
	table  *pending.Table
	logger *zap.Logger

	middlewares []middleware.Middleware
	invoke      middleware.Invoker
	metrics     *middleware.DispatchMetrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithRegistry supplies a pre-built operation registry. Without it the
// dispatcher builds one from the executor's table.
func WithRegistry(reg *ops.Registry) Option {
	return func(d *Dispatcher) { d.ops = reg }
}

// WithMiddleware wraps the Invoke path with the given middlewares, applied in
// order. InvokeSync is the uncorrelated control path and is not wrapped.
func WithMiddleware(middlewares ...middleware.Middleware) Option {
	return func(d *Dispatcher) { d.middlewares = append(d.middlewares, middlewares...) }
}

// WithMetrics wires completion counters and the pending-calls gauge. The
// invoke counters are separate — add middleware.Metrics via WithMiddleware.
func WithMetrics(m *middleware.DispatchMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher bound to exec and registers the completion
// handler on it.
func New(exec Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		exec:   exec,
		alloc:  NewAllocator(),
		table:  pending.NewTable(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.ops == nil {
		d.ops = ops.NewRegistry(exec.Ops())
	}

	// Build the middleware chain once at startup, not per invoke.
	d.invoke = middleware.Chain(d.middlewares...)(d.dispatch)

	if d.metrics != nil {
		d.metrics.TrackPending(d.table.Len)
	}

	// Registered last: completions may start arriving as soon as the
	// executor knows where to send them.
	exec.SetCompletionHandler(d.Complete)
	return d
}

// Ops returns the operation registry for looking up codes by name.
func (d *Dispatcher) Ops() *ops.Registry { return d.ops }

// Pending reports the number of calls awaiting completion.
func (d *Dispatcher) Pending() int { return d.table.Len() }

// Invoke submits one operation that may complete asynchronously. The outcome
// arrives on exactly one of the three returns:
//
//   - (result, nil, nil): the executor answered inline; result is final.
//   - (0, call, nil): the executor deferred; wait on call for the result.
//   - (0, nil, err): the invocation failed before producing any outcome.
//
// Invoke never blocks beyond the executor's Submit.
func (d *Dispatcher) Invoke(op ops.Code, arg int, payload []byte) (int32, *pending.Call, error) {
	return d.invoke(op, arg, payload)
}

// InvokeAwait is Invoke followed by waiting for the result, racing a deferred
// completion against ctx. On ctx expiry the completion may still arrive later
// and is absorbed by the abandoned call.
func (d *Dispatcher) InvokeAwait(ctx context.Context, op ops.Code, arg int, payload []byte) (int32, error) {
	result, call, err := d.Invoke(op, arg, payload)
	if err != nil {
		return 0, err
	}
	if call == nil {
		return result, nil
	}
	return call.Wait(ctx)
}

// InvokeSync submits one operation with correlation id 0: no future, no
// table entry, no completion. The executor must answer inline; a deferral
// fails with ErrNoSyncAnswer.
func (d *Dispatcher) InvokeSync(op ops.Code, arg int, payload []byte) (int32, error) {
	a, err := record.CheckArgument(arg)
	if err != nil {
		return 0, err
	}

	req := record.Record{CorrelationID: 0, Argument: a}
	answer, err := d.exec.Submit(op, req.Encode(), payload)
	if err != nil {
		return 0, &SubmitError{Op: op, Err: err}
	}
	if len(answer) == 0 {
		return 0, ErrNoSyncAnswer
	}

	reply, err := record.Decode(answer)
	if err != nil {
		return 0, err
	}
	return reply.Result, nil
}

// dispatch is the unwrapped invoke path.
func (d *Dispatcher) dispatch(op ops.Code, arg int, payload []byte) (int32, *pending.Call, error) {
	a, err := record.CheckArgument(arg)
	if err != nil {
		return 0, nil, err
	}
	id, err := d.alloc.Next()
	if err != nil {
		return 0, nil, err
	}

	// Register BEFORE submitting, so a completion racing the submit return
	// always finds its entry.
	call := pending.NewCall()
	if err := d.table.Register(id, call); err != nil {
		return 0, nil, err
	}

	req := record.Record{CorrelationID: id, Argument: a}
	answer, err := d.exec.Submit(op, req.Encode(), payload)
	if err != nil {
		d.table.Forget(id)
		return 0, nil, &SubmitError{Op: op, Err: err}
	}

	if len(answer) == 0 {
		// Deferred: the completion handler resolves the call later.
		return 0, call, nil
	}

	// Answered inline: the pending entry is backed out, the caller gets the
	// result now and the discarded call never completes.
	d.table.Forget(id)
	reply, err := record.Decode(answer)
	if err != nil {
		return 0, nil, err
	}
	return reply.Result, nil, nil
}

// Complete is the completion handler the executor invokes once per finished
// deferred operation. It decodes the completion record, removes the matching
// pending call, and resolves it with the record's result — nothing more; the
// meaning of the result belongs to the operation's caller.
//
// Errors here are protocol desynchronization between dispatcher and executor.
// They are logged and counted, never propagated: one bad completion must not
// take down the dispatch core or other pending calls.
func (d *Dispatcher) Complete(op ops.Code, completion []byte) {
	rec, err := record.Decode(completion)
	if err != nil {
		d.recordCompletion(middleware.CompletionMalformed)
		d.logger.Error("dropping malformed completion",
			zap.Uint32("op", uint32(op)),
			zap.Int("len", len(completion)),
			zap.Error(err))
		return
	}

	if err := d.table.Resolve(rec.CorrelationID, rec.Result); err != nil {
		d.recordCompletion(middleware.CompletionUnknown)
		d.logger.Error("completion for unknown correlation id",
			zap.Uint32("op", uint32(op)),
			zap.Int32("id", rec.CorrelationID),
			zap.Int32("result", rec.Result),
			zap.Error(err))
		return
	}

	d.recordCompletion(middleware.CompletionResolved)
	// A resolution whose waiter already gave up looks exactly like any other;
	// this line is the only trace it leaves.
	d.logger.Debug("completion resolved",
		zap.Int32("id", rec.CorrelationID),
		zap.Int32("result", rec.Result))
}

// FailPending rejects every outstanding call with err and returns how many
// were rejected. For teardown, when the executor can no longer deliver
// completions.
func (d *Dispatcher) FailPending(err error) int {
	n := d.table.FailAll(err)
	if n > 0 {
		d.logger.Warn("failed all pending calls", zap.Int("count", n), zap.Error(err))
	}
	return n
}

func (d *Dispatcher) recordCompletion(status string) {
	if d.metrics != nil {
		d.metrics.RecordCompletion(status)
	}
}
