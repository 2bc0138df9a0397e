package main

import (
	"errors"

	"github.com/muurk/sonixflash/internal/firmware"
	"github.com/muurk/sonixflash/internal/flash"
	"github.com/muurk/sonixflash/internal/protocol"
	"github.com/muurk/sonixflash/internal/reset"
	"github.com/muurk/sonixflash/internal/transport"
)

// generalTips are shown after the error specific ones.
var generalTips = []string{
	"Run with --log-level debug to see the serial traffic",
}

// tipsFor maps an error to troubleshooting hints.
func tipsFor(err error) []string {
	var fe *firmware.FormatError
	switch {
	case errors.Is(err, reset.ErrNoResponse):
		return []string{
			"Check that the target data line is wired to both RX and TX",
			"Check the reset wiring and --reset-pin, or try --invert",
			"With --reset-pin none, power cycle the target while sonixflash waits",
			"Try a longer --connect-delay",
		}
	case errors.Is(err, flash.ErrBootAreaProtected):
		return []string{
			"The boot bank is protected, pass --allow-boot to modify it",
		}
	case errors.Is(err, flash.ErrUnknownGeometry):
		return []string{
			"The chip is not in the catalog, see: sonixflash chips",
			"Supply --bank-size and --page-size, or add the series to the config file",
		}
	case errors.Is(err, flash.ErrVerifyMismatch):
		return []string{
			"Erase the bank before writing, or drop --no-erase",
			"Check --page-size and --empty-value for this chip",
		}
	case errors.Is(err, protocol.ErrWriteFailed):
		return []string{
			"The target rejected an ISP command, the bank may be locked",
			"Check the supply voltage during programming",
		}
	case errors.Is(err, protocol.ErrDesyncOrTimeout), errors.Is(err, protocol.ErrFaulted):
		return []string{
			"The target stopped answering, check the wiring and power",
			"Try a longer --timeout",
		}
	case errors.Is(err, transport.ErrEchoMismatch):
		return []string{
			"The adapter did not echo its own transmission",
			"Make sure RX and TX are joined at the target data line",
		}
	case errors.As(err, &fe):
		return []string{
			"Check the firmware file, or force the format with --format",
		}
	}
	return nil
}
