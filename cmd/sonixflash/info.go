package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/sonixflash/internal/chip"
	"github.com/muurk/sonixflash/internal/config"
	"github.com/muurk/sonixflash/internal/transport"
	"github.com/muurk/sonixflash/internal/ui"
)

var forceInit bool

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(listPortsCmd)
	rootCmd.AddCommand(chipsCmd)
	rootCmd.AddCommand(configCmd)
}

var listPortsCmd = &cobra.Command{
	Use:   "list-ports",
	Short: "List serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		ports, err := transport.ListPorts()
		if err != nil {
			ui.NewPrinter(os.Stdout).PrintFailure("Listing serial ports failed", err, []string{
				"Check that you may access the serial devices (e.g. the dialout group)",
			})
			return err
		}
		if len(ports) == 0 {
			ui.NewPrinter(os.Stdout).PrintWarning("No serial ports found", map[string]string{
				"Hint": "Plug in the USB-UART adapter and try again",
			})
			return nil
		}

		for _, p := range ports {
			line := "  " + ui.StepCompleteStyle.Render(p.Name)
			if p.IsUSB {
				line += "  " + ui.StepNoteStyle.Render(fmt.Sprintf("(USB %s:%s %s %s)", p.VID, p.PID, p.Product, p.SerialNumber))
			}
			fmt.Println(line)
		}
		return nil
	},
}

var chipsCmd = &cobra.Command{
	Use:   "chips",
	Short: "List supported chip series",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		catalog, err := chip.Load()
		if err != nil {
			return err
		}
		fmt.Printf("  %-12s  %-14s  %-8s  %s\n", "SERIES", "ID RANGE", "FLASH", "PAGE")
		for _, v := range catalog.List() {
			fmt.Printf("  %-12s  0x%04X..0x%04X  %-8s  0x%X\n",
				v.Series, v.IDMin, v.IDMax-1, fmt.Sprintf("0x%X", v.FlashSize), v.PageSize)
		}
		fmt.Printf("\n  %d entries\n", catalog.Count())
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the config file",
	Long: `The config file stores adapter defaults and per-series overrides.

Example:

  version: 1
  adapter:
    port: /dev/ttyUSB0
    reset_pin: dtr
    invert: true
    connect_delay: 5ms
  chips:
    SN8F5702:
      empty_value: 0x00

Flags given on the command line take precedence.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		path := configPath
		if path == "" {
			var err error
			if path, err = config.GetConfigPath(); err != nil {
				return err
			}
		}
		if err := config.WriteDefault(path, forceInit); err != nil {
			tips := []string{"Check that the config directory is writable"}
			if errors.Is(err, config.ErrExists) {
				tips = []string{"Pass --force to overwrite it"}
			}
			ui.NewPrinter(os.Stdout).PrintFailure("Config init failed", err, tips)
			return err
		}
		ui.NewPrinter(os.Stdout).PrintSuccess("Config file written", map[string]string{"Path": path})
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		p, path, err := profileOrDefault()
		if err != nil {
			return err
		}
		data, err := p.Marshal()
		if err != nil {
			return err
		}
		fmt.Println(ui.StepNoteStyle.Render("# " + path))
		fmt.Print(string(data))
		return nil
	},
}
