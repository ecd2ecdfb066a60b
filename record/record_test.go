package record

import (
	"bytes"
	"errors"
	"math"
	"strconv"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Record{
		{CorrelationID: 0, Argument: 0, Result: 0},
		{CorrelationID: 1, Argument: 42, Result: -1},
		{CorrelationID: 7, Argument: -7, Result: 7},
		{CorrelationID: math.MaxInt32, Argument: math.MinInt32, Result: math.MaxInt32},
		{CorrelationID: 123456789, Argument: -987654321, Result: 555},
	}

	for _, want := range cases {
		buf := want.Encode()
		if len(buf) != Size {
			t.Fatalf("Encode produced %d bytes, want %d", len(buf), Size)
		}

		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestEncodeLayout(t *testing.T) {
	// Field offsets and byte order are part of the executor contract:
	// correlationId at 0, argument at 4, result at 8, little-endian.
	buf := Record{CorrelationID: 1, Argument: 2, Result: 3}.Encode()

	want := []byte{
		1, 0, 0, 0,
		2, 0, 0, 0,
		3, 0, 0, 0,
	}
	if !bytes.Equal(buf, want) {
		t.Fatalf("layout mismatch: got %v, want %v", buf, want)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, n := range []int{0, 1, 11, 13, 1000} {
		_, err := Decode(make([]byte, n))
		if !errors.Is(err, ErrMalformedRecord) {
			t.Fatalf("Decode(%d bytes): got %v, want ErrMalformedRecord", n, err)
		}
	}
}

func TestDecodeNil(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("Decode(nil): got %v, want ErrMalformedRecord", err)
	}
}

func TestCheckArgument(t *testing.T) {
	for _, v := range []int{0, 1, -1, math.MaxInt32, math.MinInt32} {
		got, err := CheckArgument(v)
		if err != nil {
			t.Fatalf("CheckArgument(%d) failed: %v", v, err)
		}
		if got != int32(v) {
			t.Fatalf("CheckArgument(%d): got %d", v, got)
		}
	}
}

func TestCheckArgumentTooWide(t *testing.T) {
	if strconv.IntSize == 32 {
		t.Skip("int is 32 bits wide; every int fits the argument field")
	}

	big := math.MaxInt32
	small := math.MinInt32
	for _, v := range []int{big + 1, small - 1} {
		if _, err := CheckArgument(v); !errors.Is(err, ErrArgumentOutOfRange) {
			t.Fatalf("CheckArgument(%d): got %v, want ErrArgumentOutOfRange", v, err)
		}
	}
}
