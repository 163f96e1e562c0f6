package session

import (
	"bytes"
	"fmt"

	"github.com/membraneframework/membrane-element-rtp/internal/protocol/etf"
)

// Event tags as seen by the host process.
const (
	TagOK            etf.Atom = "ok"
	TagServerRunning etf.Atom = "server_running"
	TagKeySet        etf.Atom = "key_set"
	TagPacket        etf.Atom = "packet"
	TagError         etf.Atom = "error"
)

// KeySet carries SRTP master keys and salts exactly as the engine derived them.
type KeySet struct {
	LocalKey   []byte
	RemoteKey  []byte
	LocalSalt  []byte
	RemoteSalt []byte
}

func (k KeySet) Equal(o KeySet) bool {
	return bytes.Equal(k.LocalKey, o.LocalKey) &&
		bytes.Equal(k.RemoteKey, o.RemoteKey) &&
		bytes.Equal(k.LocalSalt, o.LocalSalt) &&
		bytes.Equal(k.RemoteSalt, o.RemoteSalt)
}

// Event is one tagged tuple: the tag atom followed by binary fields.
type Event struct {
	Tag    etf.Atom
	Fields [][]byte
}

// Arity is the tuple arity on the wire, tag included.
func (e Event) Arity() int {
	return 1 + len(e.Fields)
}

func (e Event) Encode() ([]byte, error) {
	if e.Tag == "" {
		return nil, fmt.Errorf("session: event missing tag")
	}
	enc := etf.NewMessage()
	enc.TupleHeader(e.Arity())
	enc.Atom(e.Tag)
	for _, f := range e.Fields {
		enc.Binary(f)
	}
	return enc.Bytes()
}

func Ack() Event {
	return Event{Tag: TagOK}
}

func ServerRunning() Event {
	return Event{Tag: TagServerRunning}
}

// KeySetEvent copies the key material; the engine may reuse its buffers.
func KeySetEvent(k KeySet) Event {
	return Event{Tag: TagKeySet, Fields: [][]byte{
		clone(k.LocalKey),
		clone(k.RemoteKey),
		clone(k.LocalSalt),
		clone(k.RemoteSalt),
	}}
}

// PacketEvent copies p; the engine may reuse its buffer.
func PacketEvent(p []byte) Event {
	return Event{Tag: TagPacket, Fields: [][]byte{clone(p)}}
}

func ErrorEvent(reason string) Event {
	return Event{Tag: TagError, Fields: [][]byte{[]byte(reason)}}
}

func EncodeAck() ([]byte, error) {
	return Ack().Encode()
}

func EncodeServerRunning() ([]byte, error) {
	return ServerRunning().Encode()
}

func EncodeKeySet(k KeySet) ([]byte, error) {
	return KeySetEvent(k).Encode()
}

func EncodePacket(p []byte) ([]byte, error) {
	return PacketEvent(p).Encode()
}

func EncodeError(reason string) ([]byte, error) {
	return ErrorEvent(reason).Encode()
}

// DecodeEvent parses an encoded event. The host never sends events back;
// this exists for peers written against this package and for tests.
func DecodeEvent(payload []byte) (Event, error) {
	d := etf.NewDecoder(payload)
	if err := d.Version(); err != nil {
		return Event{}, err
	}
	arity, err := d.TupleHeader()
	if err != nil {
		return Event{}, err
	}
	if arity < 1 {
		return Event{}, fmt.Errorf("session: empty event tuple")
	}
	tag, err := d.Atom(etf.MaxAtomLen)
	if err != nil {
		return Event{}, etf.WithField(err, "tag")
	}
	ev := Event{Tag: tag}
	for i := 1; i < arity; i++ {
		b, err := d.Binary(len(payload))
		if err != nil {
			return Event{}, etf.WithField(err, fmt.Sprintf("field[%d]", i))
		}
		ev.Fields = append(ev.Fields, b)
	}
	if d.Len() != 0 {
		return Event{}, fmt.Errorf("session: %w after event", etf.ErrTrailingData)
	}
	return ev, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
