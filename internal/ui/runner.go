package ui

import (
	"fmt"
	"io"
	"os"
	"time"
)

// RunnerConfig holds configuration for one command execution
type RunnerConfig struct {
	Title           string               // Command title (e.g., "Write Firmware")
	Command         string               // Full command (e.g., "sonixflash write app.hex")
	Params          map[string]string    // Parameters to display in header
	StepNames       []string             // Names for each step
	Troubleshooting []string             // Tips shown on failure
	TipsFor         func(error) []string // Error specific tips, shown first
	Output          io.Writer            // Output writer (default: os.Stdout)
}

// Runner orchestrates the UI for one command execution.
// It manages the header → steps → result flow and provides
// callbacks for reporting progress.
type Runner struct {
	config   RunnerConfig
	printer  *Printer
	progress *Progress
}

// NewRunner creates a new runner for a command
func NewRunner(config RunnerConfig) *Runner {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	return &Runner{
		config:   config,
		printer:  NewPrinter(config.Output),
		progress: NewProgress("", config.StepNames),
	}
}

// Operation is the work done by a command. It reports progress through
// onStep and returns details for the success box.
type Operation func(onStep StepCallback) (map[string]string, error)

// Run prints the header, executes operation and prints the result box.
func (r *Runner) Run(operation Operation) (map[string]string, error) {
	start := time.Now()
	r.printer.PrintHeader(r.config.Title, r.config.Command, r.config.Params)

	details, err := operation(r.stepCallback())
	duration := time.Since(start)

	if err != nil {
		tips := r.config.Troubleshooting
		if r.config.TipsFor != nil {
			tips = append(r.config.TipsFor(err), tips...)
		}
		r.printer.PrintFailure(r.config.Title+" failed", err, tips)
		return details, err
	}

	if details == nil {
		details = make(map[string]string)
	}
	details["Duration"] = duration.Round(time.Millisecond).String()
	r.printer.PrintSuccess(r.config.Title+" complete", details)
	return details, nil
}

func (r *Runner) stepCallback() StepCallback {
	return func(stepNumber int, name string, status StepStatus, message string) {
		if stepNumber < 1 || stepNumber > len(r.progress.Steps) {
			return
		}
		if name != "" {
			r.progress.Steps[stepNumber-1].Name = name
		}
		r.progress.UpdateStep(stepNumber, status, message)

		line := r.progress.renderStepLine(r.progress.Steps[stepNumber-1])
		if status == StepRunning {
			// overwritten when the step finishes
			_, _ = fmt.Fprint(r.config.Output, line+"\r")
			return
		}
		_, _ = fmt.Fprintln(r.config.Output, line)
	}
}
