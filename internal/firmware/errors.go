package firmware

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch is returned when an Intel HEX record checksum does not sum to zero.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrMalformed is returned for any other structural problem in an Intel HEX record.
	ErrMalformed = errors.New("malformed record")
)

// FormatError describes a decoding failure at a specific line of an image file.
type FormatError struct {
	Source string // file name, or "-" for stdin
	Line   int    // 1-based; 0 when the error is not tied to a line
	Detail string
	Err    error
}

func (e *FormatError) Error() string {
	msg := e.Err.Error()
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, msg)
	}
	return fmt.Sprintf("%s: %s", e.Source, msg)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}
