package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/muurk/sonixflash/internal/chip"
	"github.com/muurk/sonixflash/internal/config"
	"github.com/muurk/sonixflash/internal/logging"
	"github.com/muurk/sonixflash/internal/reset"
	"github.com/muurk/sonixflash/internal/session"
	"github.com/muurk/sonixflash/internal/transport"
)

// Connection and geometry flags (persistent on root)
var (
	portName        string
	resetPin        string
	invertReset     bool
	resetLess       bool
	pulseWidth      time.Duration
	connectDelay    time.Duration
	pollInterval    time.Duration
	maxAttempts     int
	responseTimeout time.Duration
	noFinalReset    bool

	pageSize   uint32
	bankSize   uint32
	bootSize   uint32
	emptyValue uint8

	configPath string
	logLevel   string
)

func init() {
	addConnectionFlags(rootCmd.PersistentFlags())
}

// addConnectionFlags registers the flags shared by all commands on f.
func addConnectionFlags(f *pflag.FlagSet) {
	f.StringVarP(&portName, "port", "p", "", "Serial port of the adapter (sim: for the simulator)")
	f.StringVar(&resetPin, "reset-pin", "rts", "Adapter line driving the target reset (rts, dtr, none)")
	f.BoolVar(&invertReset, "invert", false, "Reset line is active low")
	f.BoolVar(&resetLess, "reset-less", false, "Power cycle the target by hand instead of pulsing reset")
	f.DurationVar(&pulseWidth, "pulse-width", reset.DefaultPulseWidth, "Reset pulse width")
	f.DurationVar(&connectDelay, "connect-delay", reset.DefaultSettle, "Delay between reset release and the connect key")
	f.DurationVar(&pollInterval, "poll-interval", reset.DefaultPollInterval, "Poll interval while waiting for a manual reset")
	f.IntVar(&maxAttempts, "max-attempts", reset.DefaultMaxAttempts, "Connect attempts while waiting for a manual reset")
	f.DurationVar(&responseTimeout, "timeout", 0, "Response timeout per exchange (0 uses the built-in default)")
	f.BoolVar(&noFinalReset, "no-final-reset", false, "Leave the target in the bootloader when done")

	f.Uint32Var(&pageSize, "page-size", 0, "Override the flash page size")
	f.Uint32Var(&bankSize, "bank-size", 0, "Override the main bank size")
	f.Uint32Var(&bootSize, "boot-size", 0, "Override the boot bank size")
	f.Uint8Var(&emptyValue, "empty-value", chip.DefaultEmptyValue, "Override the value of erased flash")

	f.StringVar(&configPath, "config", "", "Config file (default is the user config directory)")
	f.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default $"+logging.LogLevelEnvVar+" or silent)")
}

// loadProfile reads the config file named by --config or the default one.
func loadProfile() (*config.Profile, error) {
	if configPath != "" {
		return config.LoadProfileFrom(configPath)
	}
	return config.LoadProfile()
}

// sessionOptions merges the connection flags with the profile. A flag the
// user did not set falls back to the profile, then to the built-in default.
func sessionOptions(flags *pflag.FlagSet, profile *config.Profile) (session.Options, error) {
	a := profile.Adapter
	if a == nil {
		a = &config.Adapter{}
	}

	port := portName
	if !flags.Changed("port") && a.Port != "" {
		port = a.Port
	}

	pinName := resetPin
	if !flags.Changed("reset-pin") && a.ResetPin != "" {
		pinName = a.ResetPin
	}
	pin, err := transport.ParsePin(pinName)
	if err != nil {
		return session.Options{}, err
	}

	rc := reset.DefaultConfig()
	rc.Pin = pin
	rc.Invert = pick(flags, "invert", invertReset, a.Invert)
	rc.ResetLess = pick(flags, "reset-less", resetLess, a.ResetLess) || pin == transport.PinNone
	rc.PulseWidth = pickDuration(flags, "pulse-width", pulseWidth, a.PulseWidth)
	rc.Settle = pickDuration(flags, "connect-delay", connectDelay, a.ConnectDelay)
	rc.PollInterval = pickDuration(flags, "poll-interval", pollInterval, a.PollInterval)
	rc.MaxAttempts = maxAttempts
	if !flags.Changed("max-attempts") && a.MaxAttempts > 0 {
		rc.MaxAttempts = a.MaxAttempts
	}
	if rc.MaxAttempts < 1 {
		return session.Options{}, fmt.Errorf("max attempts must be at least 1, got %d", rc.MaxAttempts)
	}

	return session.Options{
		Port:            port,
		Reset:           rc,
		ResponseTimeout: pickDuration(flags, "timeout", responseTimeout, a.ResponseTimeout),
		Override:        flagOverride(flags),
		SeriesOverrides: profile.OverrideFor,
		NoFinalReset:    noFinalReset,
		Logger:          logging.GetLogger(),
	}, nil
}

// flagOverride collects the geometry flags the user set explicitly.
func flagOverride(flags *pflag.FlagSet) chip.Override {
	var o chip.Override
	if flags.Changed("page-size") {
		v := pageSize
		o.PageSize = &v
	}
	if flags.Changed("bank-size") {
		v := bankSize
		o.FlashSize = &v
	}
	if flags.Changed("boot-size") {
		v := bootSize
		o.BootSize = &v
	}
	if flags.Changed("empty-value") {
		v := emptyValue
		o.EmptyValue = &v
	}
	return o
}

func pick(flags *pflag.FlagSet, name string, flag, stored bool) bool {
	if flags.Changed(name) {
		return flag
	}
	return flag || stored
}

func pickDuration(flags *pflag.FlagSet, name string, flag, stored time.Duration) time.Duration {
	if flags.Changed(name) || stored == 0 {
		return flag
	}
	return stored
}

// commandContext is cancelled on SIGINT. The session still pulses reset
// and closes the port after cancellation.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt)
}
