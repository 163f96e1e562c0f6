package session

import (
	"errors"
	"fmt"

	"github.com/membraneframework/membrane-element-rtp/internal/protocol/etf"
	"github.com/membraneframework/membrane-element-rtp/internal/protocol/schema"
)

// ErrUnknownOperation is wrapped by UnknownOperationError.
var ErrUnknownOperation = errors.New("session: unknown operation")

// UnknownOperationError names an operation missing from the table.
type UnknownOperationError struct {
	Name string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("function %s not available", e.Name)
}

func (e *UnknownOperationError) Unwrap() error {
	return ErrUnknownOperation
}

// Arg is one decoded positional argument.
type Arg struct {
	Kind    schema.ArgKind
	Binary  []byte
	Integer int64
}

// Request is a fully validated {Operation, Args} call.
type Request struct {
	Operation schema.Operation
	Args      []Arg
}

func (r Request) Name() string {
	return r.Operation.Name
}

func (r Request) Binary(i int) []byte {
	return r.Args[i].Binary
}

func (r Request) Integer(i int) int64 {
	return r.Args[i].Integer
}

// DecodeRequest decodes {Name :: atom(), Args :: tuple()} and validates the
// arguments against the operation table. It fails closed: no partial request
// is returned with an error.
func DecodeRequest(payload []byte) (Request, error) {
	d := etf.NewDecoder(payload)
	if err := d.Version(); err != nil {
		return Request{}, etf.WithField(err, "version")
	}
	if err := d.ExpectTuple(2); err != nil {
		return Request{}, etf.WithField(err, "request")
	}
	name, err := d.Atom(schema.MaxOperationLen)
	if err != nil {
		return Request{}, etf.WithField(err, "operation")
	}
	op, ok := schema.Lookup(string(name))
	if !ok {
		return Request{}, &UnknownOperationError{Name: string(name)}
	}
	argsAt := d.Offset()
	arity, err := d.TupleHeader()
	if err != nil {
		return Request{}, etf.WithField(err, "args")
	}
	if err := schema.ValidateArity(op, arity); err != nil {
		return Request{}, validationFault(argsAt, "args", err)
	}

	req := Request{Operation: op, Args: make([]Arg, 0, arity)}
	for _, param := range op.Args {
		at := d.Offset()
		switch param.Kind {
		case schema.KindBinary:
			b, err := d.Binary(int(param.Max))
			if err != nil {
				return Request{}, etf.WithField(err, param.Name)
			}
			req.Args = append(req.Args, Arg{Kind: param.Kind, Binary: b})
		case schema.KindInteger:
			v, err := d.Int64()
			if err != nil {
				return Request{}, etf.WithField(err, param.Name)
			}
			if err := schema.ValidateInteger(op, param, v); err != nil {
				return Request{}, validationFault(at, param.Name, err)
			}
			req.Args = append(req.Args, Arg{Kind: param.Kind, Integer: v})
		default:
			return Request{}, validationFault(at, param.Name, schema.ValidationError{Operation: op.Name, Arg: param.Name, Reason: "unsupported argument kind"})
		}
	}
	if d.Len() != 0 {
		return Request{}, &etf.DecodeError{
			Offset: d.Offset(),
			Field:  "request",
			Reason: fmt.Sprintf("%d trailing bytes", d.Len()),
			Err:    etf.ErrTrailingData,
		}
	}
	return req, nil
}

// validationFault places a schema rejection at the offset of the value it
// concerns. The ValidationError stays reachable through errors.As.
func validationFault(at int, field string, err error) error {
	reason := err.Error()
	var ve schema.ValidationError
	if errors.As(err, &ve) {
		reason = ve.Reason
	}
	return &etf.DecodeError{Offset: at, Field: field, Reason: reason, Err: err}
}

// EncodeRequest builds the request a host process would send.
func EncodeRequest(name string, args ...etf.Term) ([]byte, error) {
	return etf.Encode(etf.Tuple{etf.Atom(name), etf.Tuple(args)})
}
