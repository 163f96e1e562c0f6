package node

import (
	"fmt"

	"github.com/membraneframework/membrane-element-rtp/internal/protocol/etf"
)

// Control message operations that carry a payload term.
const (
	ctrlSend         = 2
	ctrlRegSend      = 6
	ctrlSendTT       = 12
	ctrlRegSendTT    = 16
	ctrlSendSender   = 22
	ctrlSendSenderTT = 23
)

type control struct {
	op             int64
	msg            Message
	carriesPayload bool
}

func parseControl(t etf.Term) (control, error) {
	tuple, ok := t.(etf.Tuple)
	if !ok || len(tuple) == 0 {
		return control{}, fmt.Errorf("%w: control is not a tuple", ErrMalformed)
	}
	op, ok := tuple[0].(int64)
	if !ok {
		return control{}, fmt.Errorf("%w: control op is not an integer", ErrMalformed)
	}
	c := control{op: op}
	switch op {
	case ctrlSend, ctrlSendTT:
		// {2, Unused, ToPid}
		if len(tuple) < 3 {
			return control{}, fmt.Errorf("%w: SEND arity %d", ErrMalformed, len(tuple))
		}
		to, ok := tuple[2].(etf.Pid)
		if !ok {
			return control{}, fmt.Errorf("%w: SEND destination is not a pid", ErrMalformed)
		}
		c.msg = Message{To: to}
		c.carriesPayload = true
	case ctrlRegSend, ctrlRegSendTT:
		// {6, FromPid, Unused, ToName}
		if len(tuple) < 4 {
			return control{}, fmt.Errorf("%w: REG_SEND arity %d", ErrMalformed, len(tuple))
		}
		from, ok := tuple[1].(etf.Pid)
		if !ok {
			return control{}, fmt.Errorf("%w: REG_SEND sender is not a pid", ErrMalformed)
		}
		to, ok := tuple[3].(etf.Atom)
		if !ok {
			return control{}, fmt.Errorf("%w: REG_SEND destination is not an atom", ErrMalformed)
		}
		c.msg = Message{From: from, To: to}
		c.carriesPayload = true
	case ctrlSendSender, ctrlSendSenderTT:
		// {22, FromPid, ToPid}
		if len(tuple) < 3 {
			return control{}, fmt.Errorf("%w: SEND_SENDER arity %d", ErrMalformed, len(tuple))
		}
		from, ok := tuple[1].(etf.Pid)
		if !ok {
			return control{}, fmt.Errorf("%w: SEND_SENDER sender is not a pid", ErrMalformed)
		}
		c.msg = Message{From: from, To: tuple[2]}
		c.carriesPayload = true
	}
	return c, nil
}
