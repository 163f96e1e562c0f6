package schema

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
)

// Operation names accepted from the host runtime.
const (
	OpStartServer = "start_server"
	OpPing        = "ping"
)

// Field maxima.
const (
	MaxOperationLen = 255
	MaxPathLen      = 2048
	MaxPort         = 65535
)

type ArgKind uint8

const (
	KindBinary ArgKind = iota + 1
	KindInteger
)

func (k ArgKind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindInteger:
		return "integer"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Requirement describes one positional argument. For binaries Max is the
// byte length limit; for integers Min and Max bound the value.
type Requirement struct {
	Name string
	Kind ArgKind
	Min  int64
	Max  int64
}

type Operation struct {
	Name string
	Args []Requirement
}

func (o Operation) Arity() int {
	return len(o.Args)
}

type ValidationError struct {
	Operation string
	Arg       string
	Reason    string
}

func (e ValidationError) Error() string {
	if e.Arg == "" {
		return fmt.Sprintf("schema: operation=%s: %s", e.Operation, e.Reason)
	}
	return fmt.Sprintf("schema: operation=%s arg=%s: %s", e.Operation, e.Arg, e.Reason)
}

var operations = map[string]Operation{
	OpStartServer: {
		Name: OpStartServer,
		Args: []Requirement{
			{Name: "cert_file", Kind: KindBinary, Max: MaxPathLen},
			{Name: "key_file", Kind: KindBinary, Max: MaxPathLen},
			{Name: "addr", Kind: KindBinary, Max: MaxPathLen},
			{Name: "port", Kind: KindInteger, Min: 0, Max: MaxPort},
		},
	},
	OpPing: {Name: OpPing},
}

// Lookup resolves an operation by exact name.
func Lookup(name string) (Operation, bool) {
	op, ok := operations[name]
	return op, ok
}

// Names lists the operation table in sorted order.
func Names() []string {
	out := make([]string, 0, len(operations))
	for name := range operations {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidateArity checks the declared argument count for op.
func ValidateArity(op Operation, arity int) error {
	if arity != op.Arity() {
		log.Debug().Str("op", op.Name).Int("got", arity).Int("want", op.Arity()).Msg("schema.ValidateArity mismatch")
		return ValidationError{
			Operation: op.Name,
			Reason:    fmt.Sprintf("expected %d arguments, got %d", op.Arity(), arity),
		}
	}
	return nil
}

// ValidateInteger range-checks an integer argument. Values are never truncated.
func ValidateInteger(op Operation, req Requirement, v int64) error {
	if req.Kind != KindInteger {
		return ValidationError{Operation: op.Name, Arg: req.Name, Reason: "type mismatch"}
	}
	if v < req.Min || v > req.Max {
		log.Debug().Str("op", op.Name).Str("arg", req.Name).Int64("value", v).Msg("schema.ValidateInteger out of range")
		return ValidationError{
			Operation: op.Name,
			Arg:       req.Name,
			Reason:    fmt.Sprintf("value %d outside %d..%d", v, req.Min, req.Max),
		}
	}
	return nil
}
