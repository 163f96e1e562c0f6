package etf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"reflect"
	"runtime"
	"strings"
	"testing"
)

func TestRoundTripTerms(t *testing.T) {
	terms := []Term{
		Atom("start_server"),
		[]byte("cert.pem"),
		int64(0),
		int64(255),
		int64(256),
		int64(-1),
		int64(math.MaxInt32),
		int64(math.MinInt32),
		int64(math.MaxInt32) + 1,
		int64(math.MaxInt64),
		int64(math.MinInt64),
		3.5,
		Pid{Node: "host@127.0.0.1", ID: 88, Serial: 1, Creation: 1700000000},
		Ref{Node: "host@127.0.0.1", Creation: 7, IDs: []uint32{1, 2, 3}},
		List{},
		List{Atom("a"), int64(1)},
		Tuple{Atom("start_server"), Tuple{[]byte("c"), []byte("k"), []byte("127.0.0.1"), int64(5004)}},
	}
	for _, term := range terms {
		raw, err := Encode(term)
		if err != nil {
			t.Fatalf("encode %#v: %v", term, err)
		}
		got, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode %#v: %v", term, err)
		}
		if !reflect.DeepEqual(got, term) {
			t.Fatalf("round-trip mismatch: got %#v want %#v", got, term)
		}
	}
}

func TestIntegerUsesSmallestEncoding(t *testing.T) {
	cases := []struct {
		v   int64
		tag byte
	}{
		{7, TagSmallInteger},
		{256, TagInteger},
		{-5, TagInteger},
		{1 << 40, TagSmallBig},
		{-(1 << 40), TagSmallBig},
	}
	for _, tc := range cases {
		e := NewEncoder()
		e.Integer(tc.v)
		raw, err := e.Bytes()
		if err != nil {
			t.Fatalf("encode %d: %v", tc.v, err)
		}
		if raw[0] != tc.tag {
			t.Fatalf("value %d encoded with %s, want %s", tc.v, TagName(raw[0]), TagName(tc.tag))
		}
	}
}

func TestBinaryRejectsOversizeBeforeAllocating(t *testing.T) {
	raw := []byte{TagBinary, 0xff, 0xff, 0xff, 0xff, 'x'}
	d := NewDecoder(raw)
	_, err := d.Binary(2048)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if d.Offset() != 0 {
		t.Fatalf("cursor moved to %d after rejection", d.Offset())
	}
}

func TestBinaryTruncated(t *testing.T) {
	raw := []byte{TagBinary, 0, 0, 0, 10, 'a', 'b', 'c'}
	d := NewDecoder(raw)
	_, err := d.Binary(2048)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	var de *DecodeError
	if !errors.As(err, &de) || de.Offset != 0 {
		t.Fatalf("expected decode error at offset 0, got %v", err)
	}
}

func TestAtomRejectsOversize(t *testing.T) {
	raw := append([]byte{TagAtomUTF8, 0x01, 0x2c}, bytes.Repeat([]byte("a"), 300)...)
	d := NewDecoder(raw)
	if _, err := d.Atom(MaxAtomLen); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}

	e := NewEncoder()
	e.Atom(Atom(strings.Repeat("a", 256)))
	if _, err := e.Bytes(); !errors.Is(err, ErrAtomTooLong) {
		t.Fatalf("expected ErrAtomTooLong, got %v", err)
	}
}

func TestTagMismatchLeavesCursor(t *testing.T) {
	raw, err := Encode(Atom("ping"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d := NewDecoder(raw)
	if err := d.Version(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if _, err := d.Binary(16); !errors.Is(err, ErrTagMismatch) {
		t.Fatalf("expected ErrTagMismatch, got %v", err)
	}
	if d.Offset() != 1 {
		t.Fatalf("cursor=%d want 1", d.Offset())
	}
	name, err := d.Atom(MaxAtomLen)
	if err != nil || name != "ping" {
		t.Fatalf("atom after mismatch: %q %v", name, err)
	}
}

func TestVersionMismatch(t *testing.T) {
	_, err := Decode([]byte{130, TagSmallInteger, 1})
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestInt32Range(t *testing.T) {
	e := NewEncoder()
	e.Integer(1 << 40)
	raw, _ := e.Bytes()
	d := NewDecoder(raw)
	if _, err := d.Int32(); !errors.Is(err, ErrIntegerRange) {
		t.Fatalf("expected ErrIntegerRange, got %v", err)
	}
	if d.Offset() != 0 {
		t.Fatalf("cursor=%d want 0", d.Offset())
	}
}

func TestBigIntegerTooWide(t *testing.T) {
	raw := []byte{TagSmallBig, 9, 0, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	if _, err := NewDecoder(raw).Int64(); !errors.Is(err, ErrIntegerRange) {
		t.Fatalf("expected ErrIntegerRange, got %v", err)
	}

	positiveOverflow := []byte{TagSmallBig, 8, 0, 0, 0, 0, 0, 0, 0, 0, 0x80}
	if _, err := NewDecoder(positiveOverflow).Int64(); !errors.Is(err, ErrIntegerRange) {
		t.Fatalf("expected ErrIntegerRange for 2^63, got %v", err)
	}
}

func TestDepthLimit(t *testing.T) {
	var term Term = Atom("leaf")
	for i := 0; i < MaxDepth+4; i++ {
		term = Tuple{term}
	}
	raw, err := Encode(term)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(raw); !errors.Is(err, ErrTooDeep) {
		t.Fatalf("expected ErrTooDeep, got %v", err)
	}
}

func TestNestedHeadersDoNotReserveDeclaredArity(t *testing.T) {
	const size = 1 << 20
	raw := make([]byte, size)
	raw[0] = Version
	off := 1
	for i := 0; i < MaxDepth+2; i++ {
		raw[off] = TagLargeTuple
		binary.BigEndian.PutUint32(raw[off+1:], uint32(size-off-5))
		off += 5
	}

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	_, err := Decode(raw)
	runtime.ReadMemStats(&after)

	if !errors.Is(err, ErrTooDeep) {
		t.Fatalf("expected ErrTooDeep, got %v", err)
	}
	if got := after.TotalAlloc - before.TotalAlloc; got > size {
		t.Fatalf("decoding %d bytes allocated %d bytes", size, got)
	}
}

func TestLargeTupleArityBoundedByInput(t *testing.T) {
	_, err := Decode([]byte{Version, TagLargeTuple, 0xff, 0xff, 0xff, 0xff})
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestLargeTupleEncoding(t *testing.T) {
	tuple := make(Tuple, 300)
	for i := range tuple {
		tuple[i] = int64(i)
	}
	raw, err := Encode(tuple)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if raw[1] != TagLargeTuple {
		t.Fatalf("expected large tuple tag, got %s", TagName(raw[1]))
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.(Tuple)) != 300 {
		t.Fatalf("arity=%d", len(got.(Tuple)))
	}
}

func TestTrailingData(t *testing.T) {
	raw, _ := Encode(Atom("a"))
	raw = append(raw, 0)
	if _, err := Decode(raw); !errors.Is(err, ErrTrailingData) {
		t.Fatalf("expected ErrTrailingData, got %v", err)
	}
}

func TestImproperList(t *testing.T) {
	raw := []byte{Version, TagList, 0, 0, 0, 1, TagSmallInteger, 1, TagSmallInteger, 2}
	if _, err := Decode(raw); !errors.Is(err, ErrImproperList) {
		t.Fatalf("expected ErrImproperList, got %v", err)
	}
}

func TestStringExtDecodesAsList(t *testing.T) {
	got, err := Decode([]byte{Version, TagString, 0, 2, 'h', 'i'})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := List{int64('h'), int64('i')}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v want %#v", got, want)
	}
}

func TestWithFieldLabelsError(t *testing.T) {
	_, err := NewDecoder([]byte{TagBinary, 0, 0}).Binary(10)
	err = WithField(err, "cert")
	if !strings.Contains(err.Error(), "field cert") {
		t.Fatalf("missing field label: %v", err)
	}
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("labeled error lost sentinel: %v", err)
	}
	plain := errors.New("other")
	if WithField(plain, "x") != plain {
		t.Fatalf("non-decode errors should pass through")
	}
}
