package etf

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedVersion = errors.New("etf: unsupported version")
	ErrTagMismatch        = errors.New("etf: tag mismatch")
	ErrTruncated          = errors.New("etf: truncated data")
	ErrTooLarge           = errors.New("etf: length exceeds field maximum")
	ErrIntegerRange       = errors.New("etf: integer out of range")
	ErrUnsupportedTag     = errors.New("etf: unsupported tag")
	ErrArityMismatch      = errors.New("etf: arity mismatch")
	ErrTooDeep            = errors.New("etf: term nesting too deep")
	ErrImproperList       = errors.New("etf: improper list")
	ErrAtomTooLong        = errors.New("etf: atom too long")
	ErrTrailingData       = errors.New("etf: trailing data")
)

// DecodeError reports where and why decoding stopped.
type DecodeError struct {
	Offset int
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("etf: decode failed at offset %d: %s", e.Offset, e.Reason)
	}
	return fmt.Sprintf("etf: decode failed at offset %d (field %s): %s", e.Offset, e.Field, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// WithField labels a DecodeError with the logical field being decoded.
// Other errors are returned unchanged.
func WithField(err error, field string) error {
	var de *DecodeError
	if !errors.As(err, &de) {
		return err
	}
	labeled := *de
	labeled.Field = field
	return &labeled
}
