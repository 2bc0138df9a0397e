package config

import (
	"strings"
	"time"

	"github.com/muurk/sonixflash/internal/chip"
)

// CurrentVersion is the profile schema version written by this build.
const CurrentVersion = 1

// Profile represents the entire user configuration file.
type Profile struct {
	Version int                       `yaml:"version"`
	Adapter *Adapter                  `yaml:"adapter,omitempty"`
	Chips   map[string]*chip.Override `yaml:"chips,omitempty"` // Keyed by series name
}

// Adapter holds defaults for the USB-UART adapter and reset circuit.
// Empty fields fall back to the built-in defaults.
type Adapter struct {
	Port      string `yaml:"port,omitempty"`      // Serial device, e.g. /dev/ttyUSB0
	ResetPin  string `yaml:"reset_pin,omitempty"` // rts, dtr or none
	Invert    bool   `yaml:"invert,omitempty"`    // Reset line is active low
	ResetLess bool   `yaml:"reset_less,omitempty"`

	PulseWidth      time.Duration `yaml:"pulse_width,omitempty"`
	ConnectDelay    time.Duration `yaml:"connect_delay,omitempty"`
	PollInterval    time.Duration `yaml:"poll_interval,omitempty"`
	MaxAttempts     int           `yaml:"max_attempts,omitempty"`
	ResponseTimeout time.Duration `yaml:"response_timeout,omitempty"`
}

// NewProfile creates a Profile with default values.
func NewProfile() *Profile {
	return &Profile{
		Version: CurrentVersion,
		Adapter: &Adapter{},
		Chips:   make(map[string]*chip.Override),
	}
}

// OverrideFor returns the catalog override for a series. Lookup ignores
// case. A series without an entry yields an empty override.
func (p *Profile) OverrideFor(series string) chip.Override {
	if o, ok := p.Chips[series]; ok && o != nil {
		return *o
	}
	for name, o := range p.Chips {
		if o != nil && strings.EqualFold(name, series) {
			return *o
		}
	}
	return chip.Override{}
}

// EnsureChip ensures an override entry exists for a series and returns it.
func (p *Profile) EnsureChip(series string) *chip.Override {
	if p.Chips == nil {
		p.Chips = make(map[string]*chip.Override)
	}
	if o, ok := p.Chips[series]; ok && o != nil {
		return o
	}
	o := &chip.Override{}
	p.Chips[series] = o
	return o
}
