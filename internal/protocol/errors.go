package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies protocol failures.
type ErrorKind int

const (
	// KindDesyncOrTimeout covers short, missing or unexpected responses.
	KindDesyncOrTimeout ErrorKind = iota
	// KindWriteFailed means the target reported an unfinished or rejected ISP command.
	KindWriteFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindDesyncOrTimeout:
		return "desync or timeout"
	case KindWriteFailed:
		return "write check failed"
	default:
		return fmt.Sprintf("ErrorKind(%d)", k)
	}
}

var (
	// ErrDesyncOrTimeout matches any *Error of kind KindDesyncOrTimeout.
	ErrDesyncOrTimeout = errors.New("desync or timeout")

	// ErrWriteFailed matches any *Error of kind KindWriteFailed.
	ErrWriteFailed = errors.New("write check failed")

	// ErrFaulted is returned for every exchange after the engine faulted.
	ErrFaulted = errors.New("protocol engine faulted, reset the target and reconnect")

	// ErrNotReady is returned when an operation is called in the wrong state.
	ErrNotReady = errors.New("protocol engine not ready")
)

// Error is a failed exchange with the target.
type Error struct {
	Kind   ErrorKind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("protocol %s during %s", e.Kind, e.Op)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrDesyncOrTimeout:
		return e.Kind == KindDesyncOrTimeout
	case ErrWriteFailed:
		return e.Kind == KindWriteFailed
	}
	return false
}
