package netexec

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"mini-ops/ops"
	"mini-ops/record"
)

// completionSink collects completion records so tests can await them by
// correlation id, in whatever order the workers deliver them.
type completionSink struct {
	mu      sync.Mutex
	stashed map[int32]record.Record
	ch      chan record.Record
}

func newSink() *completionSink {
	return &completionSink{
		stashed: make(map[int32]record.Record),
		ch:      make(chan record.Record, 32),
	}
}

func (s *completionSink) handler(_ ops.Code, completion []byte) {
	rec, err := record.Decode(completion)
	if err != nil {
		return
	}
	s.ch <- rec
}

func (s *completionSink) await(t *testing.T, id int32) record.Record {
	t.Helper()
	s.mu.Lock()
	if rec, ok := s.stashed[id]; ok {
		delete(s.stashed, id)
		s.mu.Unlock()
		return rec
	}
	s.mu.Unlock()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case rec := <-s.ch:
			if rec.CorrelationID == id {
				return rec
			}
			s.mu.Lock()
			s.stashed[rec.CorrelationID] = rec
			s.mu.Unlock()
		case <-deadline:
			t.Fatalf("no completion for correlation id %d", id)
		}
	}
}

func (s *completionSink) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stashed) == 0 && len(s.ch) == 0
}

func submitAnswer(t *testing.T, e *Executor, op ops.Code, id, arg int32, payload []byte) int32 {
	t.Helper()
	req := record.Record{CorrelationID: id, Argument: arg}
	answer, err := e.Submit(op, req.Encode(), payload)
	if err != nil {
		t.Fatalf("submit op %d: %v", op, err)
	}
	if len(answer) == 0 {
		t.Fatalf("op %d deferred, want inline answer", op)
	}
	reply, err := record.Decode(answer)
	if err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if reply.CorrelationID != id {
		t.Fatalf("answer echoes id %d, want %d", reply.CorrelationID, id)
	}
	return reply.Result
}

func submitDeferred(t *testing.T, e *Executor, op ops.Code, id, arg int32, payload []byte) {
	t.Helper()
	req := record.Record{CorrelationID: id, Argument: arg}
	answer, err := e.Submit(op, req.Encode(), payload)
	if err != nil {
		t.Fatalf("submit op %d: %v", op, err)
	}
	if len(answer) != 0 {
		t.Fatalf("op %d answered inline, want deferred", op)
	}
}

func TestListenAnswersInline(t *testing.T) {
	e := New()
	defer e.Close()

	rid := submitAnswer(t, e, OpListen, 1, 0, []byte("tcp:127.0.0.1:0"))
	if rid <= 0 {
		t.Fatalf("listen result = %d, want positive rid", rid)
	}

	addr, err := e.Addr(rid)
	if err != nil {
		t.Fatalf("Addr failed: %v", err)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		t.Fatalf("Addr returned %q: %v", addr, err)
	}
}

func TestListenBadPayload(t *testing.T) {
	e := New()
	defer e.Close()

	if got := submitAnswer(t, e, OpListen, 1, 0, nil); got != ErrnoBadPayload {
		t.Fatalf("empty payload = %d, want %d", got, ErrnoBadPayload)
	}
	if got := submitAnswer(t, e, OpListen, 2, 0, []byte("noseparator")); got != ErrnoBadPayload {
		t.Fatalf("missing colon = %d, want %d", got, ErrnoBadPayload)
	}
	if got := submitAnswer(t, e, OpListen, 3, 0, []byte("tcp:127.0.0.1:99999")); got != ErrnoIO {
		t.Fatalf("unbindable address = %d, want %d", got, ErrnoIO)
	}
}

func TestConnLifecycle(t *testing.T) {
	e := New()
	defer e.Close()
	sink := newSink()
	e.SetCompletionHandler(sink.handler)

	lrid := submitAnswer(t, e, OpListen, 1, 0, []byte("tcp:127.0.0.1:0"))
	if lrid <= 0 {
		t.Fatalf("listen result = %d, want positive rid", lrid)
	}
	addr, err := e.Addr(lrid)
	if err != nil {
		t.Fatalf("Addr failed: %v", err)
	}

	submitDeferred(t, e, OpAccept, 2, lrid, nil)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	accepted := sink.await(t, 2)
	crid := accepted.Result
	if crid <= 0 {
		t.Fatalf("accept result = %d, want positive rid", crid)
	}
	if accepted.Argument != lrid {
		t.Fatalf("completion echoes argument %d, want %d", accepted.Argument, lrid)
	}

	// Client sends a request; the executor reads it into our buffer in place.
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	buf := make([]byte, 64)
	submitDeferred(t, e, OpRead, 3, crid, buf)
	read := sink.await(t, 3)
	if read.Result != 4 {
		t.Fatalf("read result = %d, want 4", read.Result)
	}
	if got := string(buf[:read.Result]); got != "ping" {
		t.Fatalf("read %q, want %q", got, "ping")
	}

	// Executor writes a reply; the client reads it back off the wire.
	submitDeferred(t, e, OpWrite, 4, crid, []byte("pong"))
	if wrote := sink.await(t, 4); wrote.Result != 4 {
		t.Fatalf("write result = %d, want 4", wrote.Result)
	}
	reply := make([]byte, 64)
	n, err := client.Read(reply)
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if string(reply[:n]) != "pong" {
		t.Fatalf("client read %q, want %q", reply[:n], "pong")
	}

	if got := submitAnswer(t, e, OpClose, 5, crid, nil); got != 0 {
		t.Fatalf("close conn = %d, want 0", got)
	}
	if got := submitAnswer(t, e, OpClose, 6, lrid, nil); got != 0 {
		t.Fatalf("close listener = %d, want 0", got)
	}
	if got := submitAnswer(t, e, OpClose, 7, crid, nil); got != ErrnoBadResource {
		t.Fatalf("double close = %d, want %d", got, ErrnoBadResource)
	}
}

func TestReadEOF(t *testing.T) {
	e := New()
	defer e.Close()
	sink := newSink()
	e.SetCompletionHandler(sink.handler)

	lrid := submitAnswer(t, e, OpListen, 1, 0, []byte("tcp:127.0.0.1:0"))
	addr, err := e.Addr(lrid)
	if err != nil {
		t.Fatalf("Addr failed: %v", err)
	}

	submitDeferred(t, e, OpAccept, 2, lrid, nil)
	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	crid := sink.await(t, 2).Result

	client.Close()
	buf := make([]byte, 16)
	submitDeferred(t, e, OpRead, 3, crid, buf)
	if got := sink.await(t, 3).Result; got != 0 {
		t.Fatalf("read after peer close = %d, want 0 for EOF", got)
	}
}

func TestBadResourceArguments(t *testing.T) {
	e := New()
	defer e.Close()
	sink := newSink()
	e.SetCompletionHandler(sink.handler)

	// No such rid at all.
	if got := submitAnswer(t, e, OpAccept, 1, 999, nil); got != ErrnoBadResource {
		t.Fatalf("accept on unknown rid = %d, want %d", got, ErrnoBadResource)
	}
	if got := submitAnswer(t, e, OpRead, 2, 999, make([]byte, 8)); got != ErrnoBadResource {
		t.Fatalf("read on unknown rid = %d, want %d", got, ErrnoBadResource)
	}
	if got := submitAnswer(t, e, OpWrite, 3, 999, []byte("x")); got != ErrnoBadResource {
		t.Fatalf("write on unknown rid = %d, want %d", got, ErrnoBadResource)
	}
	if got := submitAnswer(t, e, OpClose, 4, 999, nil); got != ErrnoBadResource {
		t.Fatalf("close on unknown rid = %d, want %d", got, ErrnoBadResource)
	}

	// A listener rid where a connection is needed, and vice versa.
	lrid := submitAnswer(t, e, OpListen, 5, 0, []byte("tcp:127.0.0.1:0"))
	if got := submitAnswer(t, e, OpRead, 6, lrid, make([]byte, 8)); got != ErrnoBadResource {
		t.Fatalf("read on listener = %d, want %d", got, ErrnoBadResource)
	}

	addr, _ := e.Addr(lrid)
	submitDeferred(t, e, OpAccept, 7, lrid, nil)
	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()
	crid := sink.await(t, 7).Result
	if got := submitAnswer(t, e, OpAccept, 8, crid, nil); got != ErrnoBadResource {
		t.Fatalf("accept on conn = %d, want %d", got, ErrnoBadResource)
	}
}

func TestFireAndForget(t *testing.T) {
	e := New()
	defer e.Close()
	sink := newSink()
	e.SetCompletionHandler(sink.handler)

	lrid := submitAnswer(t, e, OpListen, 1, 0, []byte("tcp:127.0.0.1:0"))
	addr, _ := e.Addr(lrid)
	submitDeferred(t, e, OpAccept, 2, lrid, nil)
	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()
	crid := sink.await(t, 2).Result

	// Correlation id 0: the read runs and fills the buffer, but no
	// completion is delivered for it.
	buf := make([]byte, 16)
	submitDeferred(t, e, OpRead, 0, crid, buf)
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := string(buf[:4]); got != "ping" {
		t.Fatalf("buffer = %q, want %q", got, "ping")
	}
	if !sink.empty() {
		t.Fatalf("fire-and-forget read still delivered a completion")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	e := New()
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	req := record.Record{CorrelationID: 1}
	_, err := e.Submit(OpListen, req.Encode(), []byte("tcp:127.0.0.1:0"))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestCloseUnblocksPendingAccept(t *testing.T) {
	e := New()
	sink := newSink()
	e.SetCompletionHandler(sink.handler)

	lrid := submitAnswer(t, e, OpListen, 1, 0, []byte("tcp:127.0.0.1:0"))
	submitDeferred(t, e, OpAccept, 2, lrid, nil)

	// Close tears the listener out from under the worker; the worker must
	// deliver its failure completion before Close returns.
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := sink.await(t, 2).Result; got != ErrnoIO {
		t.Fatalf("unblocked accept = %d, want %d", got, ErrnoIO)
	}
}

func TestUnknownOp(t *testing.T) {
	e := New()
	defer e.Close()

	req := record.Record{CorrelationID: 1}
	_, err := e.Submit(ops.Code(99), req.Encode(), nil)
	if !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("err = %v, want ErrUnknownOp", err)
	}
}

func TestMalformedRecord(t *testing.T) {
	e := New()
	defer e.Close()

	_, err := e.Submit(OpListen, []byte{1, 2, 3}, nil)
	if !errors.Is(err, record.ErrMalformedRecord) {
		t.Fatalf("err = %v, want ErrMalformedRecord", err)
	}
}

func TestAddrUnknownResource(t *testing.T) {
	e := New()
	defer e.Close()

	if _, err := e.Addr(42); !errors.Is(err, ErrNoSuchResource) {
		t.Fatalf("err = %v, want ErrNoSuchResource", err)
	}
}

func TestOpsTable(t *testing.T) {
	e := New()
	defer e.Close()

	table := e.Ops()
	want := map[string]ops.Code{
		"listen": OpListen,
		"accept": OpAccept,
		"read":   OpRead,
		"write":  OpWrite,
		"close":  OpClose,
	}
	if len(table) != len(want) {
		t.Fatalf("table has %d ops, want %d", len(table), len(want))
	}
	for name, code := range want {
		if table[name] != code {
			t.Fatalf("ops[%q] = %d, want %d", name, table[name], code)
		}
	}
}
