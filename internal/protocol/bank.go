package protocol

import (
	"fmt"
	"strings"
)

// Bank selects one of the two flash banks.
type Bank uint8

const (
	// BankMain holds user firmware.
	BankMain Bank = 0
	// BankBoot holds the boot parameters. Damaging it can keep the chip
	// stuck in its bootloader.
	BankBoot Bank = 1
)

func (b Bank) String() string {
	switch b {
	case BankMain:
		return "main"
	case BankBoot:
		return "boot"
	default:
		return fmt.Sprintf("bank%d", uint8(b))
	}
}

// ParseBank converts a flag value to a Bank.
func ParseBank(s string) (Bank, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "main", "":
		return BankMain, nil
	case "boot":
		return BankBoot, nil
	}
	return BankMain, fmt.Errorf("unknown bank %q (want main or boot)", s)
}

// State is the connection state of an Engine.
type State int

const (
	StateDisconnected State = iota
	StateResetPending
	StateHandshakeActive
	StateReady
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateResetPending:
		return "RESET_PENDING"
	case StateHandshakeActive:
		return "HANDSHAKE_ACTIVE"
	case StateReady:
		return "READY"
	case StateFaulted:
		return "FAULTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
