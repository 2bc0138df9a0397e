package flash

import (
	"errors"
	"fmt"

	"github.com/muurk/sonixflash/internal/protocol"
)

var (
	// ErrBootAreaProtected is returned for destructive boot bank operations
	// without the explicit override.
	ErrBootAreaProtected = errors.New("boot bank is protected, an explicit override is required to modify it")

	// ErrUnknownGeometry is returned when the chip is not in the catalog and
	// no flash and page size were supplied.
	ErrUnknownGeometry = errors.New("flash geometry unknown, supply bank size and page size")

	// ErrVerifyMismatch is returned by Report.Err when bytes differ.
	ErrVerifyMismatch = errors.New("verify mismatch")
)

// Error is a failed flash operation.
type Error struct {
	Op     string
	Bank   protocol.Bank
	Offset uint32
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("flash %s %s@0x%04X: %v", e.Op, e.Bank, e.Offset, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
