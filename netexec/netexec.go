// Package netexec implements a socket executor: the component on the far side
// of the dispatch boundary that owns real network resources and runs the
// operations submitted to it.
//
// Resources (listeners and connections) live in a table addressed by small
// integer resource ids. Cheap operations answer inline; operations that block
// on the network run on their own goroutine and report back through the
// completion handler:
//
//	Submit(listen)       ──→ net.Listen ───→ answer rid        (inline)
//	Submit(close, rid)   ──→ res.Close ────→ answer 0          (inline)
//	Submit(accept, rid)  ──→ goroutine ──→ l.Accept ──→ conn rid ─┐
//	Submit(read, rid)    ──→ goroutine ──→ c.Read ────→ n ────────┼→ completion
//	Submit(write, rid)   ──→ goroutine ──→ c.Write ───→ n ────────┘
//
// Operation results are plain int32s: non-negative is the operation's value
// (a resource id, a byte count), negative is an errno-style failure code. The
// dispatch core passes both through untouched.
package netexec

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-ops/ops"
	"mini-ops/record"
)

// Operation codes published through Ops. Fixed for the process lifetime.
const (
	OpListen ops.Code = 1
	OpAccept ops.Code = 2
	OpRead   ops.Code = 3
	OpWrite  ops.Code = 4
	OpClose  ops.Code = 5
)

// Errno-style failure codes carried in the result field of an answer or
// completion record.
const (
	// ErrnoBadResource reports an argument that names no live resource, or a
	// resource of the wrong kind (a connection where a listener is needed).
	ErrnoBadResource int32 = -1

	// ErrnoIO reports a network-level failure: listen refused, accept on a
	// closed listener, read/write on a broken connection.
	ErrnoIO int32 = -2

	// ErrnoBadPayload reports a listen payload that does not parse.
	ErrnoBadPayload int32 = -3
)

var (
	// ErrClosed reports a submission to an executor that has been shut down.
	ErrClosed = errors.New("netexec: executor closed")

	// ErrUnknownOp reports an operation code outside the published table.
	ErrUnknownOp = errors.New("netexec: unknown operation")

	// ErrNoSuchResource reports an Addr lookup for a resource id that is not
	// in the table.
	ErrNoSuchResource = errors.New("netexec: no such resource")
)

// Executor runs socket operations against a resource table. It implements the
// dispatch boundary: Submit, SetCompletionHandler, Ops.
type Executor struct {
	mu        sync.Mutex
	resources map[int32]io.Closer // rid → net.Listener or net.Conn
	nextRID   int32               // monotonic, starts at 1 so 0 never names a resource
	handler   func(op ops.Code, completion []byte)
	wg        sync.WaitGroup // tracks worker goroutines for Close
	closed    atomic.Bool
	logger    *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New creates an executor with an empty resource table.
func New(opts ...Option) *Executor {
	e := &Executor{
		resources: make(map[int32]io.Closer),
		nextRID:   1,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ops returns the operation table published to the dispatcher.
func (e *Executor) Ops() map[string]ops.Code {
	return map[string]ops.Code{
		"listen": OpListen,
		"accept": OpAccept,
		"read":   OpRead,
		"write":  OpWrite,
		"close":  OpClose,
	}
}

// SetCompletionHandler registers the callback that receives one completion
// record per finished deferred operation.
func (e *Executor) SetCompletionHandler(handler func(op ops.Code, completion []byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Submit runs one operation. A non-empty return is the answer record and
// means the operation completed inline; an empty return means the operation
// was handed to a worker goroutine and its completion record will arrive
// through the handler.
func (e *Executor) Submit(op ops.Code, rec []byte, payload []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	req, err := record.Decode(rec)
	if err != nil {
		return nil, err
	}

	switch op {
	case OpListen:
		return e.listen(req, payload)
	case OpClose:
		return e.close(req), nil
	case OpAccept:
		return e.accept(req)
	case OpRead:
		return e.read(req, payload)
	case OpWrite:
		return e.write(req, payload)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, op)
	}
}

// Addr reports the network address of the resource with the given id: the
// bound address for a listener, the remote address for a connection. Used by
// callers that listened on port 0 and need the real port.
func (e *Executor) Addr(rid int32) (string, error) {
	e.mu.Lock()
	res, ok := e.resources[rid]
	e.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrNoSuchResource, rid)
	}
	switch r := res.(type) {
	case net.Listener:
		return r.Addr().String(), nil
	case net.Conn:
		return r.RemoteAddr().String(), nil
	default:
		return "", fmt.Errorf("%w: %d", ErrNoSuchResource, rid)
	}
}

// Close shuts the executor down:
//  1. Set the closed flag — new submissions fail with ErrClosed and no new
//     resources or workers start.
//  2. Swap out the resource table and close everything in it, which unblocks
//     in-flight accepts and reads.
//  3. Wait for the worker goroutines — each delivers a completion (negative
//     result) for its unblocked operation before exiting.
func (e *Executor) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.mu.Lock()
	resources := e.resources
	e.resources = make(map[int32]io.Closer)
	e.mu.Unlock()

	var errs error
	for rid, res := range resources {
		if err := res.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close resource %d: %w", rid, err))
		}
	}

	e.wg.Wait()
	e.logger.Info("executor closed", zap.Int("resources", len(resources)))
	return errs
}

// listen binds a listener. Payload is "network:address", e.g.
// "tcp:127.0.0.1:4500" — split on the first colon only, the address keeps
// its own.
func (e *Executor) listen(req record.Record, payload []byte) ([]byte, error) {
	network, address, ok := strings.Cut(string(payload), ":")
	if !ok || network == "" {
		return e.answer(req, ErrnoBadPayload), nil
	}

	l, err := net.Listen(network, address)
	if err != nil {
		e.logger.Warn("listen failed",
			zap.String("network", network),
			zap.String("address", address),
			zap.Error(err))
		return e.answer(req, ErrnoIO), nil
	}

	rid, ok := e.addResource(l)
	if !ok {
		l.Close()
		return nil, ErrClosed
	}
	e.logger.Info("listening",
		zap.String("addr", l.Addr().String()),
		zap.Int32("rid", rid))
	return e.answer(req, rid), nil
}

// close removes a resource from the table and closes it. The entry is gone
// either way; a close error is logged, not reported.
func (e *Executor) close(req record.Record) []byte {
	e.mu.Lock()
	res, ok := e.resources[req.Argument]
	delete(e.resources, req.Argument)
	e.mu.Unlock()

	if !ok {
		return e.answer(req, ErrnoBadResource)
	}
	if err := res.Close(); err != nil {
		e.logger.Debug("resource close", zap.Int32("rid", req.Argument), zap.Error(err))
	}
	return e.answer(req, 0)
}

// accept starts a worker that blocks on the listener and completes with the
// new connection's rid. Bad arguments answer inline.
func (e *Executor) accept(req record.Record) ([]byte, error) {
	l, ok := e.resource(req.Argument).(net.Listener)
	if !ok {
		return e.answer(req, ErrnoBadResource), nil
	}
	if !e.startWorker(func() { e.doAccept(OpAccept, req, l) }) {
		return nil, ErrClosed
	}
	return nil, nil
}

// read starts a worker that fills the caller's payload buffer in place and
// completes with the byte count, 0 for EOF.
func (e *Executor) read(req record.Record, payload []byte) ([]byte, error) {
	c, ok := e.resource(req.Argument).(net.Conn)
	if !ok {
		return e.answer(req, ErrnoBadResource), nil
	}
	if !e.startWorker(func() { e.doRead(OpRead, req, c, payload) }) {
		return nil, ErrClosed
	}
	return nil, nil
}

// write starts a worker that writes the whole payload and completes with the
// byte count.
func (e *Executor) write(req record.Record, payload []byte) ([]byte, error) {
	c, ok := e.resource(req.Argument).(net.Conn)
	if !ok {
		return e.answer(req, ErrnoBadResource), nil
	}
	if !e.startWorker(func() { e.doWrite(OpWrite, req, c, payload) }) {
		return nil, ErrClosed
	}
	return nil, nil
}

func (e *Executor) doAccept(op ops.Code, req record.Record, l net.Listener) {
	conn, err := l.Accept()
	if err != nil {
		e.complete(op, req, ErrnoIO)
		return
	}
	rid, ok := e.addResource(conn)
	if !ok {
		conn.Close()
		e.complete(op, req, ErrnoIO)
		return
	}
	e.logger.Debug("accepted",
		zap.Int32("rid", rid),
		zap.String("remote", conn.RemoteAddr().String()))
	e.complete(op, req, rid)
}

func (e *Executor) doRead(op ops.Code, req record.Record, c net.Conn, buf []byte) {
	// The caller's buffer is filled in place; no copy is made. Per io
	// semantics the bytes count even when an error rides along with them.
	n, err := c.Read(buf)
	switch {
	case n > 0:
		e.complete(op, req, int32(n))
	case errors.Is(err, io.EOF):
		e.complete(op, req, 0)
	case err != nil:
		e.complete(op, req, ErrnoIO)
	default:
		e.complete(op, req, 0)
	}
}

func (e *Executor) doWrite(op ops.Code, req record.Record, c net.Conn, payload []byte) {
	n, err := c.Write(payload)
	if err != nil {
		e.complete(op, req, ErrnoIO)
		return
	}
	e.complete(op, req, int32(n))
}

// complete delivers one completion record. Correlation id 0 marks a
// fire-and-forget submission: the operation ran, nobody wants the result.
func (e *Executor) complete(op ops.Code, req record.Record, result int32) {
	if req.CorrelationID == 0 {
		return
	}
	e.mu.Lock()
	handler := e.handler
	e.mu.Unlock()
	if handler == nil {
		e.logger.Warn("completion with no handler wired",
			zap.Int32("id", req.CorrelationID),
			zap.Int32("result", result))
		return
	}
	reply := record.Record{
		CorrelationID: req.CorrelationID,
		Argument:      req.Argument,
		Result:        result,
	}
	handler(op, reply.Encode())
}

func (e *Executor) answer(req record.Record, result int32) []byte {
	reply := record.Record{
		CorrelationID: req.CorrelationID,
		Argument:      req.Argument,
		Result:        result,
	}
	return reply.Encode()
}

func (e *Executor) resource(rid int32) io.Closer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resources[rid]
}

// addResource enters a new resource into the table. Refused once the
// executor is closed, so nothing can leak past Close's table swap; the
// caller owns the resource again and must close it.
func (e *Executor) addResource(res io.Closer) (int32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return 0, false
	}
	rid := e.nextRID
	e.nextRID++
	e.resources[rid] = res
	return rid, true
}

// startWorker launches fn on a tracked goroutine. The closed re-check and the
// wg.Add happen under the same lock Close never holds while waiting, so a
// worker either starts before Close and is waited for, or not at all.
func (e *Executor) startWorker(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}
