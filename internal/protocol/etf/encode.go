package etf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encoder appends terms to a growing buffer. The first failure sticks and
// is reported by Bytes.
type Encoder struct {
	buf []byte
	err error
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

// NewMessage returns an encoder that already carries the version byte.
func NewMessage() *Encoder {
	e := NewEncoder()
	e.Version()
	return e
}

func (e *Encoder) Version() {
	e.buf = append(e.buf, Version)
}

func (e *Encoder) TupleHeader(arity int) {
	if arity <= math.MaxUint8 {
		e.buf = append(e.buf, TagSmallTuple, byte(arity))
		return
	}
	e.buf = append(e.buf, TagLargeTuple)
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(arity))
}

func (e *Encoder) Atom(a Atom) {
	if len(a) > MaxAtomLen {
		e.setErr(fmt.Errorf("%w: %d bytes", ErrAtomTooLong, len(a)))
		return
	}
	e.buf = append(e.buf, TagSmallAtomUTF8, byte(len(a)))
	e.buf = append(e.buf, a...)
}

func (e *Encoder) Binary(b []byte) {
	if uint64(len(b)) > math.MaxUint32 {
		e.setErr(fmt.Errorf("%w: binary of %d bytes", ErrTooLarge, len(b)))
		return
	}
	e.buf = append(e.buf, TagBinary)
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// Integer writes v with the smallest encoding that holds it.
func (e *Encoder) Integer(v int64) {
	switch {
	case v >= 0 && v <= math.MaxUint8:
		e.buf = append(e.buf, TagSmallInteger, byte(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		e.buf = append(e.buf, TagInteger)
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(int32(v)))
	default:
		sign := byte(0)
		mag := uint64(v)
		if v < 0 {
			sign = 1
			mag = uint64(-v)
		}
		digits := make([]byte, 0, 8)
		for mag > 0 {
			digits = append(digits, byte(mag))
			mag >>= 8
		}
		e.buf = append(e.buf, TagSmallBig, byte(len(digits)), sign)
		e.buf = append(e.buf, digits...)
	}
}

func (e *Encoder) Float(f float64) {
	e.buf = append(e.buf, TagNewFloat)
	e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(f))
}

func (e *Encoder) Pid(p Pid) {
	e.buf = append(e.buf, TagNewPid)
	e.Atom(p.Node)
	e.buf = binary.BigEndian.AppendUint32(e.buf, p.ID)
	e.buf = binary.BigEndian.AppendUint32(e.buf, p.Serial)
	e.buf = binary.BigEndian.AppendUint32(e.buf, p.Creation)
}

func (e *Encoder) Ref(r Ref) {
	e.buf = append(e.buf, TagNewerRef)
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(len(r.IDs)))
	e.Atom(r.Node)
	e.buf = binary.BigEndian.AppendUint32(e.buf, r.Creation)
	for _, id := range r.IDs {
		e.buf = binary.BigEndian.AppendUint32(e.buf, id)
	}
}

func (e *Encoder) Nil() {
	e.buf = append(e.buf, TagNil)
}

// Term writes any value the decoder can produce.
func (e *Encoder) Term(t Term) {
	switch v := t.(type) {
	case Atom:
		e.Atom(v)
	case []byte:
		e.Binary(v)
	case int64:
		e.Integer(v)
	case int:
		e.Integer(int64(v))
	case float64:
		e.Float(v)
	case Pid:
		e.Pid(v)
	case Ref:
		e.Ref(v)
	case Tuple:
		e.TupleHeader(len(v))
		for _, el := range v {
			e.Term(el)
		}
	case List:
		if len(v) > 0 {
			e.buf = append(e.buf, TagList)
			e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(v)))
			for _, el := range v {
				e.Term(el)
			}
		}
		e.Nil()
	default:
		e.setErr(fmt.Errorf("%w: cannot encode %T", ErrUnsupportedTag, t))
	}
}

func (e *Encoder) setErr(err error) {
	if e.err == nil {
		e.err = err
	}
}

// Bytes returns the encoded buffer or the first encoding failure.
func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

// Encode returns one versioned message holding t.
func Encode(t Term) ([]byte, error) {
	e := NewMessage()
	e.Term(t)
	return e.Bytes()
}
