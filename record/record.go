// Package record implements the fixed 12-byte control record exchanged with
// the executor on every operation.
//
// A record is the only control metadata that crosses the dispatch boundary.
// It has no magic number, no version byte, and no variable-length body — the
// executor and the dispatcher agree on exactly one layout:
//
//	0             4             8            12
//	┌─────────────┬─────────────┬─────────────┐
//	│correlationId│  argument   │   result    │
//	│    int32    │    int32    │    int32    │
//	└─────────────┴─────────────┴─────────────┘
//
// All three fields are little-endian signed 32-bit integers. Any buffer whose
// length is not exactly 12 bytes is protocol corruption and fails to decode.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Size is the exact encoded length of a Record in bytes.
const Size = 12

var (
	// ErrMalformedRecord reports a buffer that is not exactly Size bytes.
	// Always fatal to the call that produced or consumed the buffer.
	ErrMalformedRecord = errors.New("record: malformed record")

	// ErrArgumentOutOfRange reports a caller-supplied argument that does not
	// fit the record's signed 32-bit argument field.
	ErrArgumentOutOfRange = errors.New("record: argument out of range")
)

// Record is the control structure for a single submit/complete exchange.
//
//   - On submit: CorrelationID is 0 (synchronous, no correlation) or a fresh
//     positive id; Argument carries the operation-specific argument; Result
//     is zero.
//   - On answer/completion: CorrelationID echoes the submitted id and Result
//     carries the operation's integer result.
//
// A Record is built fresh per dispatch and never persisted.
type Record struct {
	CorrelationID int32
	Argument      int32
	Result        int32
}

// Encode serializes the record into a new Size-byte buffer. Encoding never
// fails: every int32 triple is representable.
func (r Record) Encode() []byte {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.CorrelationID))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Argument))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(r.Result))
	return buf
}

// Decode interprets buf as a Record. Buffers of any length other than Size
// fail with ErrMalformedRecord.
func Decode(buf []byte) (Record, error) {
	if len(buf) != Size {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrMalformedRecord, len(buf))
	}
	return Record{
		CorrelationID: int32(binary.LittleEndian.Uint32(buf[0:4])),
		Argument:      int32(binary.LittleEndian.Uint32(buf[4:8])),
		Result:        int32(binary.LittleEndian.Uint32(buf[8:12])),
	}, nil
}

// CheckArgument narrows a caller-supplied int to the record's argument width.
// Values outside the int32 range fail with ErrArgumentOutOfRange instead of
// being silently truncated.
func CheckArgument(v int) (int32, error) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d", ErrArgumentOutOfRange, v)
	}
	return int32(v), nil
}
