// Package ui provides terminal UI components for the sonixflash CLI.
//
// This package uses Bubble Tea, Bubbles and Lipgloss to render command
// output. Like the rest of the CLI it follows a "run once and exit" pattern:
// output is rendered as the operation proceeds and no interaction is needed,
// apart from the optional boot bank confirmation.
//
// # Architecture
//
//   - Header: command banner showing operation name and parameters
//   - Progress: step list for the reset, identify, erase, write and verify phases
//   - ByteBar: byte progress for long transfers (schollz/progressbar)
//   - Waiter: spinner shown while waiting for a manual power cycle
//   - Result: success/failure boxes with details and troubleshooting tips
//
// These components are orchestrated by the Runner, which manages the
// header → steps → result flow.
//
// Example:
//
//	runner := ui.NewRunner(ui.RunnerConfig{
//	    Title:     "Write Firmware",
//	    Command:   "sonixflash write app.hex",
//	    Params:    map[string]string{"Port": "/dev/ttyUSB0"},
//	    StepNames: []string{"Reset", "Identify", "Erase", "Write", "Verify"},
//	})
//
//	err := runner.Run(ctx, func(onStep ui.StepCallback) error {
//	    onStep(1, "", ui.StepRunning, "")
//	    // ... do work ...
//	    onStep(1, "", ui.StepComplete, "")
//	    return nil
//	})
//
// # Logging Integration
//
// Logging is controlled via SONIXFLASH_LOG_LEVEL or --log-level. When unset,
// zap logging is silent so the curated UI output is displayed cleanly.
package ui
