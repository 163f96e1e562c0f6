package etf

import "fmt"

// Version is the only supported external term format version.
const Version byte = 131

// Term tags used on the wire.
const (
	TagNewFloat      byte = 70
	TagNewPid        byte = 88
	TagNewerRef      byte = 90
	TagSmallInteger  byte = 97
	TagInteger       byte = 98
	TagAtom          byte = 100
	TagPid           byte = 103
	TagSmallTuple    byte = 104
	TagLargeTuple    byte = 105
	TagNil           byte = 106
	TagString        byte = 107
	TagList          byte = 108
	TagBinary        byte = 109
	TagSmallBig      byte = 110
	TagNewRef        byte = 114
	TagSmallAtom     byte = 115
	TagAtomUTF8      byte = 118
	TagSmallAtomUTF8 byte = 119
)

// MaxAtomLen is the largest atom the codec reads or writes.
const MaxAtomLen = 255

// Term is any decoded value: Atom, []byte, int64, float64, Tuple, List, Pid or Ref.
type Term = any

// Atom is an interned identifier.
type Atom string

// Tuple is a fixed-arity sequence of terms.
type Tuple []Term

// List is a proper list. Improper tails are rejected by the decoder.
type List []Term

// Pid identifies a process on a node.
type Pid struct {
	Node     Atom
	ID       uint32
	Serial   uint32
	Creation uint32
}

func (p Pid) String() string {
	return fmt.Sprintf("<%s.%d.%d>", p.Node, p.ID, p.Serial)
}

// Ref is a node-unique reference.
type Ref struct {
	Node     Atom
	Creation uint32
	IDs      []uint32
}

// TagName returns a readable name for a term tag.
func TagName(tag byte) string {
	switch tag {
	case TagNewFloat:
		return "float"
	case TagNewPid, TagPid:
		return "pid"
	case TagNewerRef, TagNewRef:
		return "reference"
	case TagSmallInteger, TagInteger, TagSmallBig:
		return "integer"
	case TagAtom, TagSmallAtom, TagAtomUTF8, TagSmallAtomUTF8:
		return "atom"
	case TagSmallTuple, TagLargeTuple:
		return "tuple"
	case TagNil, TagString, TagList:
		return "list"
	case TagBinary:
		return "binary"
	default:
		return fmt.Sprintf("tag(%d)", tag)
	}
}
