package hrm

import (
	"errors"
	"fmt"
)

var (
	// ErrTooShort means the payload ended before a declared field.
	ErrTooShort = errors.New("hrm: payload too short")
	// ErrMalformedLength means the RR section is not a whole number of uint16 values.
	ErrMalformedLength = errors.New("hrm: malformed RR interval length")
)

// DecodeError carries the payload length and the offset the decoder
// stopped at. It unwraps to ErrTooShort or ErrMalformedLength.
type DecodeError struct {
	Kind   error
	Len    int
	Offset int
}

func newDecodeError(kind error, length, offset int) *DecodeError {
	return &DecodeError{Kind: kind, Len: length, Offset: offset}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v (len=%d, offset=%d)", e.Kind, e.Len, e.Offset)
}

func (e *DecodeError) Unwrap() error { return e.Kind }
