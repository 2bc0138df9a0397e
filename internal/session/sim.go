package session

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/muurk/sonixflash/internal/chip"
	"github.com/muurk/sonixflash/internal/protocol"
	"github.com/muurk/sonixflash/internal/reset"
	"github.com/muurk/sonixflash/internal/simulator"
	"github.com/muurk/sonixflash/internal/transport"
)

// SimPrefix selects the built-in simulated target instead of a serial port.
const SimPrefix = "sim:"

// simListenAfter lets a reset-less session reach the simulator after a few
// polls, standing in for the manual power cycle.
const simListenAfter = 3

// IsSimulated reports whether port names the simulator.
func IsSimulated(port string) bool {
	return strings.HasPrefix(port, SimPrefix)
}

// NewSimulator builds a simulated target for a "sim:" port. The part after
// the prefix is a series name or a chip ID; empty selects the default part.
// The simulator is wired to the same reset line the sequencer drives and
// uses the catalog geometry with the overrides for its series applied.
// overrides may be nil.
func NewSimulator(port string, catalog *chip.Catalog, overrides func(series string) chip.Override, rc reset.Config, logger *zap.Logger) (*simulator.Target, error) {
	cfg := simulator.DefaultConfig()

	part := strings.TrimPrefix(port, SimPrefix)
	var v *chip.Variant
	if part != "" {
		if id, err := strconv.ParseUint(part, 0, 32); err == nil {
			cfg.ChipID = uint32(id)
			v, _ = catalog.Lookup(cfg.ChipID)
		} else {
			var ok bool
			v, ok = catalog.Series(part)
			if !ok {
				return nil, fmt.Errorf("unknown simulated chip %q", part)
			}
			cfg.ChipID = v.IDMin
		}
	} else {
		v, _ = catalog.Lookup(cfg.ChipID)
	}

	if v != nil {
		var o chip.Override
		if overrides != nil {
			o = overrides(v.Series)
		}
		applied := v.Apply(o)
		cfg.PageSize = applied.PageSize
		cfg.MainSize = applied.FlashSize
		cfg.BootSize = applied.BootSize
		cfg.EmptyValue = applied.EmptyValue
		if cfg.MainSize > protocol.AddressSpace {
			cfg.MainSize = protocol.AddressSpace
		}
	}

	if rc.ResetLess || rc.Pin == transport.PinNone {
		cfg.ListenAfter = simListenAfter
	} else {
		cfg.ResetPin = rc.Pin
		cfg.ResetActiveLow = rc.Invert
	}

	return simulator.New(cfg, logger.Named("sim")), nil
}
