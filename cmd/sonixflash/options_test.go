package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/muurk/sonixflash/internal/chip"
	"github.com/muurk/sonixflash/internal/config"
	"github.com/muurk/sonixflash/internal/firmware"
	"github.com/muurk/sonixflash/internal/flash"
	"github.com/muurk/sonixflash/internal/protocol"
	"github.com/muurk/sonixflash/internal/reset"
	"github.com/muurk/sonixflash/internal/transport"
)

func parseFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addConnectionFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	return fs
}

func TestSessionOptionsPrecedence(t *testing.T) {
	page := uint32(0x40)
	profile := config.NewProfile()
	profile.Adapter = &config.Adapter{
		Port:         "/dev/ttyUSB1",
		ResetPin:     "dtr",
		Invert:       true,
		ConnectDelay: 5 * time.Millisecond,
		MaxAttempts:  7,
	}
	profile.EnsureChip("SN8F5702").PageSize = &page

	tests := []struct {
		name      string
		args      []string
		wantPort  string
		wantPin   transport.Pin
		wantDelay time.Duration
		wantTries int
		resetLess bool
	}{
		{
			name:      "profile fills unset flags",
			wantPort:  "/dev/ttyUSB1",
			wantPin:   transport.PinDTR,
			wantDelay: 5 * time.Millisecond,
			wantTries: 7,
		},
		{
			name:      "flags win",
			args:      []string{"-p", "/dev/ttyACM0", "--reset-pin", "rts", "--connect-delay", "2ms", "--max-attempts", "3"},
			wantPort:  "/dev/ttyACM0",
			wantPin:   transport.PinRTS,
			wantDelay: 2 * time.Millisecond,
			wantTries: 3,
		},
		{
			name:      "no pin means reset-less",
			args:      []string{"--reset-pin", "none"},
			wantPort:  "/dev/ttyUSB1",
			wantPin:   transport.PinNone,
			wantDelay: 5 * time.Millisecond,
			wantTries: 7,
			resetLess: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := sessionOptions(parseFlags(t, tt.args...), profile)
			if err != nil {
				t.Fatalf("sessionOptions failed: %v", err)
			}
			if opts.Port != tt.wantPort {
				t.Errorf("Port = %q, want %q", opts.Port, tt.wantPort)
			}
			if opts.Reset.Pin != tt.wantPin {
				t.Errorf("Pin = %v, want %v", opts.Reset.Pin, tt.wantPin)
			}
			if !opts.Reset.Invert {
				t.Error("Invert from the profile was lost")
			}
			if opts.Reset.Settle != tt.wantDelay {
				t.Errorf("Settle = %v, want %v", opts.Reset.Settle, tt.wantDelay)
			}
			if opts.Reset.MaxAttempts != tt.wantTries {
				t.Errorf("MaxAttempts = %d, want %d", opts.Reset.MaxAttempts, tt.wantTries)
			}
			if opts.Reset.ResetLess != tt.resetLess {
				t.Errorf("ResetLess = %v, want %v", opts.Reset.ResetLess, tt.resetLess)
			}
			if opts.Reset.PulseWidth != reset.DefaultPulseWidth {
				t.Errorf("PulseWidth = %v, want the default", opts.Reset.PulseWidth)
			}
			if o := opts.SeriesOverrides("sn8f5702"); o.PageSize == nil || *o.PageSize != 0x40 {
				t.Error("series overrides not taken from the profile")
			}
		})
	}
}

func TestSessionOptionsRejectsBadPin(t *testing.T) {
	_, err := sessionOptions(parseFlags(t, "--reset-pin", "cts"), config.NewProfile())
	if err == nil {
		t.Error("expected error for unknown reset pin")
	}
}

func TestFlagOverride(t *testing.T) {
	o := flagOverride(parseFlags(t, "--page-size", "0x40", "--empty-value", "0"))
	if o.PageSize == nil || *o.PageSize != 0x40 {
		t.Errorf("PageSize = %v, want 0x40", o.PageSize)
	}
	if o.EmptyValue == nil || *o.EmptyValue != 0 {
		t.Errorf("EmptyValue = %v, want 0", o.EmptyValue)
	}
	if o.FlashSize != nil || o.BootSize != nil {
		t.Error("unset geometry flags produced overrides")
	}

	if o := flagOverride(parseFlags(t)); o != (chip.Override{}) {
		t.Errorf("flagOverride() without flags = %+v", o)
	}
}

func TestTipsFor(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&reset.Error{Pin: "rts", Attempts: 1}, "--reset-pin"},
		{&flash.Error{Op: "erase", Err: flash.ErrBootAreaProtected}, "--allow-boot"},
		{fmt.Errorf("read: %w", flash.ErrUnknownGeometry), "--bank-size"},
		{&firmware.FormatError{Source: "a.hex", Line: 3, Err: firmware.ErrMalformed}, "--format"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			tips := strings.Join(tipsFor(tt.err), "\n")
			if !strings.Contains(tips, tt.want) {
				t.Errorf("tipsFor(%v) = %q, want mention of %s", tt.err, tips, tt.want)
			}
		})
	}

	if tips := tipsFor(errors.New("other")); tips != nil {
		t.Errorf("tipsFor(other) = %v, want nil", tips)
	}
}

func TestGuardBoot(t *testing.T) {
	allowBoot = false
	if err := guardBoot("Erase", "erase", protocol.BankBoot); !errors.Is(err, flash.ErrBootAreaProtected) {
		t.Errorf("guardBoot(boot) = %v, want ErrBootAreaProtected", err)
	}
	if err := guardBoot("Erase", "erase", protocol.BankMain); err != nil {
		t.Errorf("guardBoot(main) = %v", err)
	}

	allowBoot = true
	defer func() { allowBoot = false }()
	if err := guardBoot("Write", "write", protocol.BankBoot); err != nil {
		t.Errorf("guardBoot(boot) with --allow-boot = %v", err)
	}
}

func TestWriteAgainstSimulator(t *testing.T) {
	dir := t.TempDir()
	fw := filepath.Join(dir, "app.bin")
	if err := os.WriteFile(fw, []byte{0x02, 0x00, 0x30, 0xAA, 0x55}, 0o644); err != nil {
		t.Fatal(err)
	}

	rootCmd.SetArgs([]string{
		"--port", "sim:",
		"--config", filepath.Join(dir, "missing.yaml"),
		"--pulse-width", "1ms",
		"write", fw, "--offset", "0x100",
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("write against the simulator failed: %v", err)
	}
}
