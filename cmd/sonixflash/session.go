package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/muurk/sonixflash/internal/config"
	"github.com/muurk/sonixflash/internal/flash"
	"github.com/muurk/sonixflash/internal/session"
	"github.com/muurk/sonixflash/internal/ui"
)

// Steps shared by every command that talks to the target.
const (
	stepConnect = iota + 1
	stepIdentify
	firstCommandStep
)

// deviceJob describes one command run against the target.
type deviceJob struct {
	title  string
	params map[string]string
	steps  []string // after Connect and Identify
	out    io.Writer
	run    func(ctx context.Context, s *session.Session, onStep ui.StepCallback) (map[string]string, error)
}

// runDevice opens the session, connects, identifies the chip and runs the
// job inside the header, steps and result flow of ui.Runner.
func runDevice(cmd *cobra.Command, job deviceJob) error {
	if job.out == nil {
		job.out = os.Stdout
	}

	profile, err := loadProfile()
	if err != nil {
		ui.NewPrinter(job.out).PrintFailure(job.title+" failed", err, []string{
			"Fix or remove the config file, see: sonixflash config show",
		})
		return err
	}
	opts, err := sessionOptions(cmd.Flags(), profile)
	if err != nil {
		return err
	}

	params := map[string]string{
		"Port":  opts.Port,
		"Reset": resetDescription(opts),
	}
	for k, v := range job.params {
		params[k] = v
	}

	runner := ui.NewRunner(ui.RunnerConfig{
		Title:           job.title,
		Command:         commandLine(cmd),
		Params:          params,
		StepNames:       append([]string{"Connect", "Identify"}, job.steps...),
		Troubleshooting: generalTips,
		TipsFor:         tipsFor,
		Output:          job.out,
	})

	ctx, stop := commandContext(cmd)
	defer stop()

	_, err = runner.Run(func(onStep ui.StepCallback) (details map[string]string, err error) {
		onStep(stepConnect, "", ui.StepRunning, "")
		var waiter *ui.Waiter
		if opts.Reset.ResetLess {
			waiter = ui.StartWaiter(job.out, "Waiting for the bootloader, power cycle the target now", ui.IsInteractive())
			opts.OnAttempt = waiter.Attempt
		}
		stopWaiter := func() {
			if waiter != nil {
				waiter.Stop()
				waiter = nil
			}
		}
		defer stopWaiter()

		s, err := session.Open(opts)
		if err != nil {
			onStep(stepConnect, "", ui.StepFailed, "")
			return nil, err
		}
		defer func() {
			if cerr := s.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()

		err = s.Connect(ctx)
		stopWaiter()
		if err != nil {
			onStep(stepConnect, "", ui.StepFailed, "")
			return nil, err
		}
		onStep(stepConnect, "", ui.StepComplete, "")

		onStep(stepIdentify, "", ui.StepRunning, "")
		info, err := s.Identify(ctx)
		if err != nil {
			onStep(stepIdentify, "", ui.StepFailed, "")
			return nil, err
		}
		onStep(stepIdentify, "", ui.StepComplete, info.String())

		details, err = job.run(ctx, s, onStep)
		if details == nil {
			details = make(map[string]string)
		}
		details["Chip"] = info.String()
		return details, err
	})
	return err
}

var phaseLabels = map[session.Phase]string{
	session.PhaseWrite:  "Writing",
	session.PhaseVerify: "Verifying",
}

// phaseTracker maps write phases to runner steps and shows a byte bar for
// the transfer phases when the output is a terminal.
type phaseTracker struct {
	s       *session.Session
	out     io.Writer
	onStep  ui.StepCallback
	steps   map[session.Phase]int
	total   int
	bar     *ui.ByteBar
	running int
}

func (t *phaseTracker) phase(phase session.Phase, done bool) {
	step := t.steps[phase]
	if !done {
		t.running = step
		t.onStep(step, "", ui.StepRunning, "")
		if label, ok := phaseLabels[phase]; ok && ui.IsInteractive() {
			t.bar = ui.NewByteBar(t.out, label, t.total)
			t.s.SetProgress(t.bar.Update)
		}
		return
	}
	t.finishBar()
	t.running = 0
	t.onStep(step, "", ui.StepComplete, "")
}

// fail marks the running phase as failed.
func (t *phaseTracker) fail(message string) {
	t.finishBar()
	if t.running != 0 {
		t.onStep(t.running, "", ui.StepFailed, message)
		t.running = 0
	}
}

func (t *phaseTracker) finishBar() {
	if t.bar != nil {
		t.bar.Finish()
		t.bar = nil
		t.s.SetProgress(nil)
	}
}

func resetDescription(opts session.Options) string {
	if opts.Reset.ResetLess {
		return "manual power cycle"
	}
	desc := opts.Reset.Pin.String()
	if opts.Reset.Invert {
		desc += " (active low)"
	}
	return desc
}

func commandLine(cmd *cobra.Command) string {
	return strings.TrimSpace(cmd.CommandPath() + " " + strings.Join(cmd.Flags().Args(), " "))
}

// confirmBoot asks before a destructive boot bank operation when a user is
// at the terminal. Scripts pass --allow-boot and are not prompted.
func confirmBoot(op string) bool {
	if !ui.IsInteractive() {
		return true
	}
	return ui.BootWriteConfirmation(os.Stdin, os.Stdout, op)
}

// profileOrDefault is used by commands that only display the profile.
func profileOrDefault() (*config.Profile, string, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.GetConfigPath()
		if err != nil {
			return nil, "", err
		}
	}
	p, err := config.LoadProfileFrom(path)
	if err != nil {
		return nil, path, err
	}
	return p, path, nil
}

func formatSize(n uint32) string {
	if n >= 1024 && n%1024 == 0 {
		return fmt.Sprintf("0x%X (%d KiB)", n, n/1024)
	}
	return fmt.Sprintf("0x%X (%d bytes)", n, n)
}

// geometryDetails adds the resolved layout to result details.
func geometryDetails(details map[string]string, g flash.Geometry) {
	details["Flash"] = formatSize(g.MainSize)
	details["Page Size"] = formatSize(g.PageSize)
}
