// Sonixflash programs SONiX SN8F5xxx 8051 microcontrollers through their
// single-wire ISP bootloader.
//
// The target's data line is connected to both RX and TX of a USB-UART
// adapter. The adapter's RTS or DTR line drives the target reset; without
// one, the target is power cycled by hand while sonixflash polls for the
// bootloader.
//
// Supported operations:
//
//   - Chip identification
//   - Reading the main or boot bank to a file, stdout or a hex dump
//   - Erasing, writing and verifying a bank from raw binary or Intel HEX
//
// See 'sonixflash --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/sonixflash/internal/logging"
	"github.com/muurk/sonixflash/internal/version"
)

func main() {
	err := rootCmd.Execute()
	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sonixflash",
	Short: "SONiX SN8F5xxx flash programmer",
	Long: `Programs SONiX SN8F5xxx 8051 microcontrollers over a single-wire
serial link using the on-chip ISP bootloader.

Wiring:
  - Target data line to the adapter's RX and TX
  - Target reset to RTS (default) or DTR, or power cycle by hand
    with --reset-pin none

Adapter defaults and per-series overrides can be stored in a config
file, see 'sonixflash config init'. Flags take precedence over it.

Use 'sonixflash chip-id' to check the wiring before writing.`,
	Version:           version.Version,
	SilenceErrors:     true,
	PersistentPreRunE: initLogging,
	Example: `  # Identify the connected chip
  sonixflash -p /dev/ttyUSB0 chip-id

  # Write firmware, erasing and verifying the main bank
  sonixflash -p /dev/ttyUSB0 write app.hex

  # Dump the boot bank as a hex listing
  sonixflash -p /dev/ttyUSB0 read --bank boot

  # Reset-less adapter: power cycle the target when asked
  sonixflash -p /dev/ttyUSB0 --reset-pin none write app.bin

  # Try a command against the built-in simulator
  sonixflash -p sim: chip-id`,
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sonixflash %s\n", version.Full())
	},
}

func initLogging(cmd *cobra.Command, args []string) error {
	if err := logging.Initialize(logLevel); err != nil {
		return err
	}
	logging.Debug("starting",
		zap.String("command", cmd.CommandPath()),
		zap.String("version", version.Full()))
	return nil
}
