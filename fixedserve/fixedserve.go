// Package fixedserve implements a server that answers every request on every
// connection with one fixed response, driving all of its I/O through the
// dispatcher rather than touching the network itself.
//
// The whole server is a composition of five executor operations:
//
//	Serve ──listen (sync)──→ listener rid
//	  loop: await accept(rid) ──→ conn rid ──→ go handleConn
//
//	handleConn: await read(conn, buf) ──→ n > 0 ──→ await write(response) ──┐
//	                │                                                       │
//	                └──→ 0 or negative ──→ close (sync), done     loop ←────┘
//
// One goroutine per connection. The server never parses what it reads; a
// request is any chunk of bytes, and the answer is always the same.
package fixedserve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-ops/dispatch"
	"mini-ops/ops"
)

// readBufferSize is the per-connection read buffer, large enough that any
// plausible request arrives in one read.
const readBufferSize = 64 * 1024

// ErrEmptyResponse reports a server constructed with nothing to serve.
var ErrEmptyResponse = errors.New("fixedserve: empty response")

// Server accepts connections and answers every read with a fixed response.
type Server struct {
	d        *dispatch.Dispatcher
	response []byte
	logger   *zap.Logger

	// Operation codes resolved once at construction.
	opListen ops.Code
	opAccept ops.Code
	opRead   ops.Code
	opWrite  ops.Code
	opClose  ops.Code

	listenRID atomic.Int32
	wg        sync.WaitGroup // tracks per-connection handlers for Shutdown
	shutdown  atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a server over the given dispatcher. The executor behind it must
// publish the five socket operations; a missing one is a wiring error caught
// here, not at serve time.
func New(d *dispatch.Dispatcher, response []byte, opts ...Option) (*Server, error) {
	if len(response) == 0 {
		return nil, ErrEmptyResponse
	}
	s := &Server{
		d:        d,
		response: response,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, op := range []struct {
		name string
		dst  *ops.Code
	}{
		{"listen", &s.opListen},
		{"accept", &s.opAccept},
		{"read", &s.opRead},
		{"write", &s.opWrite},
		{"close", &s.opClose},
	} {
		code, err := d.Ops().Lookup(op.name)
		if err != nil {
			return nil, fmt.Errorf("fixedserve: resolve %q: %w", op.name, err)
		}
		*op.dst = code
	}
	return s, nil
}

// ListenRID reports the listener's resource id, 0 until Serve has bound it.
// Callers that listened on port 0 resolve the real address through the
// executor with it.
func (s *Server) ListenRID() int32 {
	return s.listenRID.Load()
}

// Serve binds the listener and runs the accept loop until Shutdown or a
// dispatch failure. Blocks; run it on its own goroutine.
func (s *Server) Serve(network, address string) error {
	rid, err := s.d.InvokeSync(s.opListen, 0, []byte(network+":"+address))
	if err != nil {
		return fmt.Errorf("fixedserve: listen: %w", err)
	}
	if rid < 0 {
		return fmt.Errorf("fixedserve: listen %s %s: executor code %d", network, address, rid)
	}
	s.listenRID.Store(rid)
	s.logger.Info("serving fixed response",
		zap.Int32("rid", rid),
		zap.Int("response_bytes", len(s.response)))

	for {
		crid, err := s.d.InvokeAwait(context.Background(), s.opAccept, int(rid), nil)
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return fmt.Errorf("fixedserve: accept: %w", err)
		}
		if crid < 0 {
			// During shutdown the listener rid is closed under the pending
			// accept, which surfaces as an executor failure code here.
			if s.shutdown.Load() {
				return nil
			}
			return fmt.Errorf("fixedserve: accept: executor code %d", crid)
		}

		s.wg.Add(1)
		go s.handleConn(crid)
	}
}

// handleConn serves one connection: read anything, answer with the response,
// repeat until the peer goes away. The buffer is reused across reads; the
// executor fills it in place.
func (s *Server) handleConn(crid int32) {
	defer s.wg.Done()
	defer s.closeConn(crid)

	buf := make([]byte, readBufferSize)
	for {
		n, err := s.d.InvokeAwait(context.Background(), s.opRead, int(crid), buf)
		if err != nil {
			s.logger.Warn("read dispatch failed", zap.Int32("rid", crid), zap.Error(err))
			return
		}
		if n <= 0 {
			// 0 is the peer closing; negative is an executor-side failure.
			return
		}

		sent, err := s.d.InvokeAwait(context.Background(), s.opWrite, int(crid), s.response)
		if err != nil {
			s.logger.Warn("write dispatch failed", zap.Int32("rid", crid), zap.Error(err))
			return
		}
		if int(sent) != len(s.response) {
			return
		}
	}
}

// closeConn releases the connection's resource id. The result does not
// matter: the rid may already be gone if the executor shut down first.
func (s *Server) closeConn(crid int32) {
	if _, err := s.d.InvokeSync(s.opClose, int(crid), nil); err != nil {
		s.logger.Debug("close dispatch failed", zap.Int32("rid", crid), zap.Error(err))
	}
}

// Shutdown stops the server gracefully:
//  1. Set the shutdown flag BEFORE closing the listener, so the accept
//     loop's failure is recognized as intentional.
//  2. Close the listener rid — the pending accept unblocks and Serve
//     returns nil.
//  3. Wait for in-flight connections to drain, up to the timeout. Their
//     clients decide when they are done; force-closing is the executor
//     owner's job, not ours.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)

	if rid := s.listenRID.Load(); rid > 0 {
		if _, err := s.d.InvokeSync(s.opClose, int(rid), nil); err != nil {
			s.logger.Warn("listener close failed", zap.Int32("rid", rid), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("fixedserve: timeout waiting for connections to drain")
	}
}
