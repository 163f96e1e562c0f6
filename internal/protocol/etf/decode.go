package etf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxDepth bounds nesting for generic term decoding.
const MaxDepth = 16

// maxPrealloc caps the capacity reserved from a declared tuple arity or list
// length. Larger containers grow as their elements actually decode.
const maxPrealloc = 64

// Decoder is a cursor over one encoded message. Every read either consumes
// a complete, validated field or leaves the cursor where it was.
type Decoder struct {
	buf []byte
	off int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// Offset returns the current cursor position.
func (d *Decoder) Offset() int {
	return d.off
}

// Len returns the number of unread bytes.
func (d *Decoder) Len() int {
	return len(d.buf) - d.off
}

// Rest returns the unread bytes without consuming them.
func (d *Decoder) Rest() []byte {
	return d.buf[d.off:]
}

func (d *Decoder) fail(at int, err error, format string, args ...any) error {
	d.off = at
	return &DecodeError{Offset: at, Reason: fmt.Sprintf(format, args...), Err: err}
}

func (d *Decoder) need(at, n int) error {
	if n < 0 || d.Len() < n {
		return d.fail(at, ErrTruncated, "need %d bytes, have %d", n, d.Len())
	}
	return nil
}

func (d *Decoder) u8() byte {
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *Decoder) u16() uint16 {
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}

func (d *Decoder) u32() uint32 {
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *Decoder) take(n int) []byte {
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+n])
	d.off += n
	return out
}

// PeekTag returns the next tag without consuming it.
func (d *Decoder) PeekTag() (byte, error) {
	if err := d.need(d.off, 1); err != nil {
		return 0, err
	}
	return d.buf[d.off], nil
}

// Version consumes the leading version byte.
func (d *Decoder) Version() error {
	at := d.off
	if err := d.need(at, 1); err != nil {
		return err
	}
	if v := d.u8(); v != Version {
		return d.fail(at, ErrUnsupportedVersion, "version %d, want %d", v, Version)
	}
	return nil
}

// TupleHeader consumes a tuple header and returns its arity.
func (d *Decoder) TupleHeader() (int, error) {
	at := d.off
	if err := d.need(at, 1); err != nil {
		return 0, err
	}
	switch tag := d.u8(); tag {
	case TagSmallTuple:
		if err := d.need(at, 1); err != nil {
			return 0, err
		}
		return int(d.u8()), nil
	case TagLargeTuple:
		if err := d.need(at, 4); err != nil {
			return 0, err
		}
		arity := d.u32()
		if uint64(arity) > uint64(d.Len()) {
			return 0, d.fail(at, ErrTruncated, "tuple arity %d exceeds remaining %d bytes", arity, d.Len())
		}
		return int(arity), nil
	default:
		return 0, d.fail(at, ErrTagMismatch, "expected tuple, got %s", TagName(tag))
	}
}

// ExpectTuple consumes a tuple header of exactly the given arity.
func (d *Decoder) ExpectTuple(arity int) error {
	at := d.off
	got, err := d.TupleHeader()
	if err != nil {
		return err
	}
	if got != arity {
		return d.fail(at, ErrArityMismatch, "tuple arity %d, want %d", got, arity)
	}
	return nil
}

// Atom consumes an atom of at most max bytes.
func (d *Decoder) Atom(max int) (Atom, error) {
	at := d.off
	if err := d.need(at, 1); err != nil {
		return "", err
	}
	var n int
	switch tag := d.u8(); tag {
	case TagSmallAtom, TagSmallAtomUTF8:
		if err := d.need(at, 1); err != nil {
			return "", err
		}
		n = int(d.u8())
	case TagAtom, TagAtomUTF8:
		if err := d.need(at, 2); err != nil {
			return "", err
		}
		n = int(d.u16())
	default:
		return "", d.fail(at, ErrTagMismatch, "expected atom, got %s", TagName(tag))
	}
	if n > max {
		return "", d.fail(at, ErrTooLarge, "atom length %d exceeds maximum %d", n, max)
	}
	if err := d.need(at, n); err != nil {
		return "", err
	}
	return Atom(d.take(n)), nil
}

// Binary consumes a binary of at most max bytes and returns a private copy.
func (d *Decoder) Binary(max int) ([]byte, error) {
	at := d.off
	if err := d.need(at, 1); err != nil {
		return nil, err
	}
	if tag := d.u8(); tag != TagBinary {
		return nil, d.fail(at, ErrTagMismatch, "expected binary, got %s", TagName(tag))
	}
	if err := d.need(at, 4); err != nil {
		return nil, err
	}
	n := d.u32()
	if uint64(n) > uint64(max) {
		return nil, d.fail(at, ErrTooLarge, "binary length %d exceeds maximum %d", n, max)
	}
	if err := d.need(at, int(n)); err != nil {
		return nil, err
	}
	return d.take(int(n)), nil
}

// Int64 consumes a small, 32-bit or small-big integer that fits in int64.
func (d *Decoder) Int64() (int64, error) {
	at := d.off
	if err := d.need(at, 1); err != nil {
		return 0, err
	}
	switch tag := d.u8(); tag {
	case TagSmallInteger:
		if err := d.need(at, 1); err != nil {
			return 0, err
		}
		return int64(d.u8()), nil
	case TagInteger:
		if err := d.need(at, 4); err != nil {
			return 0, err
		}
		return int64(int32(d.u32())), nil
	case TagSmallBig:
		if err := d.need(at, 2); err != nil {
			return 0, err
		}
		n := int(d.u8())
		sign := d.u8()
		if n > 8 {
			return 0, d.fail(at, ErrIntegerRange, "big integer of %d bytes", n)
		}
		if err := d.need(at, n); err != nil {
			return 0, err
		}
		var mag uint64
		for i := 0; i < n; i++ {
			mag |= uint64(d.buf[d.off+i]) << (8 * i)
		}
		d.off += n
		switch {
		case sign == 0 && mag <= math.MaxInt64:
			return int64(mag), nil
		case sign != 0 && mag <= 1<<63:
			return int64(-mag), nil
		default:
			return 0, d.fail(at, ErrIntegerRange, "big integer does not fit in 64 bits")
		}
	default:
		return 0, d.fail(at, ErrTagMismatch, "expected integer, got %s", TagName(tag))
	}
}

// Int32 consumes an integer and rejects values outside int32.
func (d *Decoder) Int32() (int32, error) {
	at := d.off
	v, err := d.Int64()
	if err != nil {
		return 0, err
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, d.fail(at, ErrIntegerRange, "integer %d does not fit in 32 bits", v)
	}
	return int32(v), nil
}

// Pid consumes a PID_EXT or NEW_PID_EXT.
func (d *Decoder) Pid() (Pid, error) {
	at := d.off
	if err := d.need(at, 1); err != nil {
		return Pid{}, err
	}
	tag := d.u8()
	if tag != TagPid && tag != TagNewPid {
		return Pid{}, d.fail(at, ErrTagMismatch, "expected pid, got %s", TagName(tag))
	}
	node, err := d.Atom(MaxAtomLen)
	if err != nil {
		d.off = at
		return Pid{}, err
	}
	size := 9
	if tag == TagNewPid {
		size = 12
	}
	if err := d.need(at, size); err != nil {
		return Pid{}, err
	}
	p := Pid{Node: node, ID: d.u32(), Serial: d.u32()}
	if tag == TagNewPid {
		p.Creation = d.u32()
	} else {
		p.Creation = uint32(d.u8())
	}
	return p, nil
}

// Term consumes any supported term. It is used for control messages whose
// shape is only known after the leading operation tag is read.
func (d *Decoder) Term() (Term, error) {
	at := d.off
	t, err := d.term(0)
	if err != nil {
		d.off = at
		return nil, err
	}
	return t, nil
}

func (d *Decoder) term(depth int) (Term, error) {
	at := d.off
	if depth > MaxDepth {
		return nil, d.fail(at, ErrTooDeep, "nesting deeper than %d", MaxDepth)
	}
	tag, err := d.PeekTag()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagSmallInteger, TagInteger, TagSmallBig:
		return d.Int64()
	case TagAtom, TagSmallAtom, TagAtomUTF8, TagSmallAtomUTF8:
		return d.Atom(math.MaxUint16)
	case TagBinary:
		return d.Binary(math.MaxInt32)
	case TagPid, TagNewPid:
		return d.Pid()
	case TagNewFloat:
		d.off++
		if err := d.need(at, 8); err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(d.take(8))), nil
	case TagSmallTuple, TagLargeTuple:
		arity, err := d.TupleHeader()
		if err != nil {
			return nil, err
		}
		out := make(Tuple, 0, min(arity, maxPrealloc))
		for i := 0; i < arity; i++ {
			el, err := d.term(depth + 1)
			if err != nil {
				return nil, err
			}
			out = append(out, el)
		}
		return out, nil
	case TagNil:
		d.off++
		return List{}, nil
	case TagString:
		d.off++
		if err := d.need(at, 2); err != nil {
			return nil, err
		}
		n := int(d.u16())
		if err := d.need(at, n); err != nil {
			return nil, err
		}
		out := make(List, 0, n)
		for _, c := range d.buf[d.off : d.off+n] {
			out = append(out, int64(c))
		}
		d.off += n
		return out, nil
	case TagList:
		d.off++
		if err := d.need(at, 4); err != nil {
			return nil, err
		}
		n := d.u32()
		if uint64(n) > uint64(d.Len()) {
			return nil, d.fail(at, ErrTruncated, "list length %d exceeds remaining %d bytes", n, d.Len())
		}
		out := make(List, 0, min(int(n), maxPrealloc))
		for i := uint32(0); i < n; i++ {
			el, err := d.term(depth + 1)
			if err != nil {
				return nil, err
			}
			out = append(out, el)
		}
		tail, err := d.PeekTag()
		if err != nil {
			return nil, err
		}
		if tail != TagNil {
			return nil, d.fail(d.off, ErrImproperList, "list tail is %s", TagName(tail))
		}
		d.off++
		return out, nil
	case TagNewRef, TagNewerRef:
		return d.ref()
	default:
		return nil, d.fail(at, ErrUnsupportedTag, "unsupported %s", TagName(tag))
	}
}

func (d *Decoder) ref() (Ref, error) {
	at := d.off
	tag := d.u8()
	if err := d.need(at, 2); err != nil {
		return Ref{}, err
	}
	n := int(d.u16())
	node, err := d.Atom(MaxAtomLen)
	if err != nil {
		return Ref{}, err
	}
	r := Ref{Node: node}
	if tag == TagNewerRef {
		if err := d.need(at, 4); err != nil {
			return Ref{}, err
		}
		r.Creation = d.u32()
	} else {
		if err := d.need(at, 1); err != nil {
			return Ref{}, err
		}
		r.Creation = uint32(d.u8())
	}
	if err := d.need(at, 4*n); err != nil {
		return Ref{}, err
	}
	r.IDs = make([]uint32, n)
	for i := range r.IDs {
		r.IDs[i] = d.u32()
	}
	return r, nil
}

// Decode reads one versioned message that holds exactly one term.
func Decode(b []byte) (Term, error) {
	d := NewDecoder(b)
	if err := d.Version(); err != nil {
		return nil, err
	}
	t, err := d.Term()
	if err != nil {
		return nil, err
	}
	if d.Len() != 0 {
		return nil, d.fail(d.off, ErrTrailingData, "%d trailing bytes", d.Len())
	}
	return t, nil
}
