package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"zappem.net/pub/debug/xcrc32"
	"zappem.net/pub/debug/xxd"

	"github.com/muurk/sonixflash/internal/firmware"
	"github.com/muurk/sonixflash/internal/flash"
	"github.com/muurk/sonixflash/internal/protocol"
	"github.com/muurk/sonixflash/internal/session"
	"github.com/muurk/sonixflash/internal/ui"
)

// Command flags
var (
	bankName    string
	offset      uint32
	readSize    uint32
	readFile    string
	fileFormat  string
	allowBoot   bool
	noErase     bool
	noVerify    bool
	maxMismatch int
)

func init() {
	for _, cmd := range []*cobra.Command{readCmd, eraseCmd, writeCmd, verifyCmd} {
		cmd.Flags().StringVarP(&bankName, "bank", "b", "main", "Flash bank (main, boot)")
	}
	for _, cmd := range []*cobra.Command{readCmd, writeCmd, verifyCmd} {
		cmd.Flags().Uint32VarP(&offset, "offset", "o", 0, "Start offset inside the bank")
		cmd.Flags().StringVar(&fileFormat, "format", "auto", "File format (auto, bin, hex)")
	}
	for _, cmd := range []*cobra.Command{eraseCmd, writeCmd} {
		cmd.Flags().BoolVar(&allowBoot, "allow-boot", false, "Allow modifying the boot bank")
	}
	for _, cmd := range []*cobra.Command{writeCmd, verifyCmd} {
		cmd.Flags().IntVar(&maxMismatch, "max-mismatches", 10, "Mismatching bytes listed on verify failure")
	}

	readCmd.Flags().Uint32VarP(&readSize, "size", "s", 0, "Bytes to read (0 reads to the end of the bank)")
	readCmd.Flags().StringVarP(&readFile, "file", "f", "", "Output file (.hex for Intel HEX, - for raw stdout, empty for a hex dump)")
	writeCmd.Flags().BoolVar(&noErase, "no-erase", false, "Do not erase the bank first; partial pages keep their contents")
	writeCmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip reading back the written data")

	rootCmd.AddCommand(chipIDCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(eraseCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(verifyCmd)
}

var chipIDCmd = &cobra.Command{
	Use:   "chip-id",
	Short: "Identify the connected chip",
	Long: `Resets the target into the bootloader and reads its chip ID.

The ID is looked up in the built-in catalog to report the series, flash
size and page size. Use this first to check the wiring.`,
	Args: cobra.NoArgs,
	RunE: runChipID,
}

func runChipID(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	return runDevice(cmd, deviceJob{
		title: "Chip ID",
		run: func(ctx context.Context, s *session.Session, onStep ui.StepCallback) (map[string]string, error) {
			info := s.Info()
			details := map[string]string{
				"ID":     fmt.Sprintf("0x%08X", info.ID),
				"Series": info.Variant.Series,
			}
			if g, ok := s.Geometry(); ok {
				geometryDetails(details, g)
				details["Boot Size"] = formatSize(g.BootSize)
				details["Empty Value"] = fmt.Sprintf("0x%02X", g.EmptyValue)
			} else {
				details["Geometry"] = "unknown, supply --bank-size and --page-size"
			}
			return details, nil
		},
	})
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read a flash bank",
	Long: `Reads a window of the main or boot bank.

Without --file the data is printed as a hex dump. With --file - the raw
bytes go to stdout and all other output to stderr. Otherwise the file is
written as Intel HEX when its extension is .hex or .ihx, and as raw binary
otherwise. Windows running past the end of the bank wrap to its start.`,
	Example: `  # Dump the first 256 bytes
  sonixflash -p /dev/ttyUSB0 read --size 0x100

  # Back up the whole main bank as Intel HEX
  sonixflash -p /dev/ttyUSB0 read --file backup.hex

  # Pipe the boot bank into another tool
  sonixflash -p /dev/ttyUSB0 read --bank boot --file - | xxd`,
	Args: cobra.NoArgs,
	RunE: runRead,
}

func runRead(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	bank, err := protocol.ParseBank(bankName)
	if err != nil {
		return err
	}
	format, err := firmware.ParseFormat(fileFormat)
	if err != nil {
		return err
	}

	// keep stdout clean for the data
	out := os.Stdout
	if readFile == "-" {
		out = os.Stderr
	}

	params := map[string]string{
		"Bank":   bank.String(),
		"Offset": fmt.Sprintf("0x%04X", offset),
	}
	if readFile != "" {
		params["File"] = readFile
	}

	var data []byte
	var base uint32
	err = runDevice(cmd, deviceJob{
		title:  "Read",
		params: params,
		steps:  []string{"Read"},
		out:    out,
		run: func(ctx context.Context, s *session.Session, onStep ui.StepCallback) (map[string]string, error) {
			size, err := s.BankSize(bank)
			if err != nil {
				return nil, err
			}
			length := readSize
			if length == 0 {
				length = size - offset%size
			}

			onStep(firstCommandStep, "", ui.StepRunning, "")
			var bar *ui.ByteBar
			if ui.IsInteractive() {
				bar = ui.NewByteBar(out, "Reading", int(length))
				s.SetProgress(bar.Update)
			}
			data, err = s.Read(ctx, bank, offset, length)
			if bar != nil {
				bar.Finish()
				s.SetProgress(nil)
			}
			if err != nil {
				onStep(firstCommandStep, "", ui.StepFailed, "")
				return nil, err
			}
			onStep(firstCommandStep, "", ui.StepComplete, fmt.Sprintf("%d bytes", len(data)))

			base = offset % size
			if readFile != "" && readFile != "-" {
				if err := firmware.Save(readFile, os.Stdout, base, data, format); err != nil {
					return nil, fmt.Errorf("save %s: %w", readFile, err)
				}
			}

			_, crc := xcrc32.NewCRC32(data)
			return map[string]string{
				"Bytes": fmt.Sprintf("%d", len(data)),
				"CRC32": fmt.Sprintf("0x%08X", crc),
			}, nil
		},
	})
	if err != nil {
		return err
	}

	switch readFile {
	case "":
		xxd.Print(int(base), data)
	case "-":
		return firmware.Save(readFile, os.Stdout, base, data, format)
	}
	return nil
}

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase a flash bank",
	Long: `Erases the whole main or boot bank.

Erasing the boot bank requires --allow-boot and, at a terminal, typing
the confirmation phrase.`,
	Args: cobra.NoArgs,
	RunE: runErase,
}

func runErase(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	bank, err := protocol.ParseBank(bankName)
	if err != nil {
		return err
	}
	if err := guardBoot("Erase", "erase", bank); err != nil {
		return err
	}
	if bank == protocol.BankBoot && !confirmBoot("erase") {
		return nil
	}

	return runDevice(cmd, deviceJob{
		title:  "Erase",
		params: map[string]string{"Bank": bank.String()},
		steps:  []string{"Erase"},
		run: func(ctx context.Context, s *session.Session, onStep ui.StepCallback) (map[string]string, error) {
			onStep(firstCommandStep, "", ui.StepRunning, "")
			if err := s.Erase(ctx, bank, allowBoot); err != nil {
				onStep(firstCommandStep, "", ui.StepFailed, "")
				return nil, err
			}
			onStep(firstCommandStep, "", ui.StepComplete, "")

			size, _ := s.BankSize(bank)
			return map[string]string{
				"Bank":   bank.String(),
				"Erased": formatSize(size),
			}, nil
		},
	})
}

var writeCmd = &cobra.Command{
	Use:   "write FILE",
	Short: "Write firmware to a flash bank",
	Long: `Erases the bank, writes the firmware and reads it back.

FILE is Intel HEX when its extension is .hex or .ihx, raw binary
otherwise, or - for raw binary on stdin. The file is loaded completely
before the port is opened, so a bad file never leads to a partial write.

With --no-erase only the pages the image touches are rewritten. Bytes of
those pages outside the image keep their current contents.`,
	Example: `  # Write and verify
  sonixflash -p /dev/ttyUSB0 write app.hex

  # Patch a few bytes in place
  sonixflash -p /dev/ttyUSB0 write --no-erase --offset 0x0F00 patch.bin`,
	Args: cobra.ExactArgs(1),
	RunE: runWrite,
}

func runWrite(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	bank, err := protocol.ParseBank(bankName)
	if err != nil {
		return err
	}
	img, err := loadImage(args[0])
	if err != nil {
		ui.NewPrinter(os.Stdout).PrintFailure("Write failed", err, tipsFor(err))
		return err
	}
	if err := guardBoot("Write", "write", bank); err != nil {
		return err
	}
	if bank == protocol.BankBoot && !confirmBoot("write") {
		return nil
	}

	policy := session.WritePolicy{NoErase: noErase, NoVerify: noVerify, AllowBoot: allowBoot}
	return runDevice(cmd, deviceJob{
		title: "Write",
		params: map[string]string{
			"Bank":   bank.String(),
			"Offset": fmt.Sprintf("0x%04X", offset),
			"File":   fmt.Sprintf("%s (%s, %d bytes)", args[0], img.Format(), img.Len()),
		},
		steps: []string{"Erase", "Write", "Verify"},
		run: func(ctx context.Context, s *session.Session, onStep ui.StepCallback) (map[string]string, error) {
			t := &phaseTracker{
				s:      s,
				out:    os.Stdout,
				onStep: onStep,
				steps: map[session.Phase]int{
					session.PhaseErase:  firstCommandStep,
					session.PhaseWrite:  firstCommandStep + 1,
					session.PhaseVerify: firstCommandStep + 2,
				},
				total: img.Len(),
			}
			if noErase {
				onStep(firstCommandStep, "", ui.StepSkipped, "--no-erase")
			}

			report, err := s.Write(ctx, bank, offset, img, policy, t.phase)
			if err != nil {
				if report != nil {
					t.fail(fmt.Sprintf("%d bytes differ", len(report.Mismatches)))
					printMismatches(report)
				} else {
					t.fail("")
				}
				return nil, err
			}
			if noVerify {
				onStep(firstCommandStep+2, "", ui.StepSkipped, "--no-verify")
			}

			details := map[string]string{
				"Bank":    bank.String(),
				"Written": fmt.Sprintf("%d bytes", img.Len()),
			}
			if report != nil {
				details["Verified"] = fmt.Sprintf("%d bytes", report.Checked)
			}
			return details, nil
		},
	})
}

var verifyCmd = &cobra.Command{
	Use:   "verify FILE",
	Short: "Compare a flash bank with a firmware file",
	Long: `Reads back the bytes the firmware file defines and compares them.

Gaps between Intel HEX records are not read. Mismatching offsets are
listed on failure.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	bank, err := protocol.ParseBank(bankName)
	if err != nil {
		return err
	}
	img, err := loadImage(args[0])
	if err != nil {
		ui.NewPrinter(os.Stdout).PrintFailure("Verify failed", err, tipsFor(err))
		return err
	}

	return runDevice(cmd, deviceJob{
		title: "Verify",
		params: map[string]string{
			"Bank":   bank.String(),
			"Offset": fmt.Sprintf("0x%04X", offset),
			"File":   fmt.Sprintf("%s (%s, %d bytes)", args[0], img.Format(), img.Len()),
		},
		steps: []string{"Verify"},
		run: func(ctx context.Context, s *session.Session, onStep ui.StepCallback) (map[string]string, error) {
			t := &phaseTracker{
				s:      s,
				out:    os.Stdout,
				onStep: onStep,
				steps:  map[session.Phase]int{session.PhaseVerify: firstCommandStep},
				total:  img.Len(),
			}
			t.phase(session.PhaseVerify, false)
			report, err := s.Verify(ctx, bank, offset, img)
			if err != nil {
				if report != nil {
					t.fail(fmt.Sprintf("%d bytes differ", len(report.Mismatches)))
					printMismatches(report)
				} else {
					t.fail("")
				}
				return nil, err
			}
			t.phase(session.PhaseVerify, true)

			return map[string]string{
				"Bank":     bank.String(),
				"Verified": fmt.Sprintf("%d bytes", report.Checked),
			}, nil
		},
	})
}

// loadImage reads and decodes a firmware file before any port is opened.
func loadImage(path string) (*firmware.Image, error) {
	format, err := firmware.ParseFormat(fileFormat)
	if err != nil {
		return nil, err
	}
	img, err := firmware.LoadFile(path, format)
	if err != nil {
		return nil, err
	}
	if img.Empty() {
		return nil, errors.New("firmware file contains no data")
	}
	return img, nil
}

// guardBoot refuses boot bank changes without --allow-boot before the port
// is opened.
func guardBoot(title, op string, bank protocol.Bank) error {
	if bank != protocol.BankBoot || allowBoot {
		return nil
	}
	err := &flash.Error{Op: op, Bank: bank, Err: flash.ErrBootAreaProtected}
	ui.NewPrinter(os.Stdout).PrintFailure(title+" failed", err, tipsFor(err))
	return err
}

func printMismatches(report *flash.Report) {
	fmt.Println(ui.StepNoteStyle.Render(report.Summary(maxMismatch)))
}
