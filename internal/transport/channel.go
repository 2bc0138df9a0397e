package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned by Receive when fewer than n bytes arrive in time.
	ErrTimeout = errors.New("receive timeout")

	// ErrEchoMismatch is returned by Send when the line does not echo the sent bytes.
	ErrEchoMismatch = errors.New("echo mismatch")

	// ErrClosed is returned for any operation on a closed channel.
	ErrClosed = errors.New("channel closed")
)

// Pin selects a modem control output of the adapter.
type Pin int

const (
	PinNone Pin = iota
	PinRTS
	PinDTR
)

func (p Pin) String() string {
	switch p {
	case PinRTS:
		return "rts"
	case PinDTR:
		return "dtr"
	default:
		return "none"
	}
}

// ParsePin converts a flag value to a Pin.
func ParsePin(s string) (Pin, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rts":
		return PinRTS, nil
	case "dtr":
		return PinDTR, nil
	case "none", "":
		return PinNone, nil
	}
	return PinNone, fmt.Errorf("unknown reset pin %q (want rts, dtr or none)", s)
}

// Channel is a bidirectional byte link to the target.
type Channel interface {
	// Send transmits data and returns once it has left the adapter.
	Send(data []byte) error

	// Receive blocks until exactly n bytes arrived or timeout elapsed.
	// On timeout the bytes received so far are returned with ErrTimeout.
	Receive(n int, timeout time.Duration) ([]byte, error)

	// SetLine drives a modem control output. level is the electrical
	// state requested from the driver (true = asserted).
	SetLine(pin Pin, level bool) error

	// Discard drops any unread input.
	Discard() error

	Close() error
}

// TimeoutError reports a short read.
type TimeoutError struct {
	Want int
	Got  int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("receive timeout: got %d of %d bytes", e.Got, e.Want)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}
