package reset

import (
	"errors"
	"fmt"
)

// ErrNoResponse matches any *Error; the target never answered the handshake.
var ErrNoResponse = errors.New("no response from target")

// Error reports a failed reset and handshake.
type Error struct {
	Pin       string
	ResetLess bool
	Attempts  int
	Err       error
}

func (e *Error) Error() string {
	var msg string
	if e.ResetLess {
		msg = fmt.Sprintf("%s after %d attempts in reset-less mode; this mode is timing dependent, power-cycle the target while the programmer is polling",
			ErrNoResponse, e.Attempts)
	} else {
		msg = fmt.Sprintf("%s after reset on %s, check the reset circuit and chip connection", ErrNoResponse, e.Pin)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrNoResponse
}
