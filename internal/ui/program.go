package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Printer provides methods for printing UI components to a writer.
type Printer struct {
	out   io.Writer
	width int
}

// NewPrinter creates a new Printer that writes to the given writer.
// If w is nil, os.Stdout is used.
func NewPrinter(w io.Writer) *Printer {
	if w == nil {
		w = os.Stdout
	}
	return &Printer{
		out:   w,
		width: GetTerminalWidth(),
	}
}

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer {
	return p.out
}

// Println writes content with a newline
func (p *Printer) Println(content string) {
	_, _ = fmt.Fprintln(p.out, content)
}

// Newline prints an empty line
func (p *Printer) Newline() {
	_, _ = fmt.Fprintln(p.out)
}

// PrintHeader prints a command header box
func (p *Printer) PrintHeader(title, command string, params map[string]string) {
	p.Println(NewHeader(title, command, params).SetWidth(p.width).Render())
	p.Newline()
}

// PrintSuccess prints a success result box
func (p *Printer) PrintSuccess(title string, details map[string]string) {
	p.Newline()
	p.Println(NewSuccessResult(title, details).SetWidth(p.width).Render())
}

// PrintFailure prints a failure result box with troubleshooting tips
func (p *Printer) PrintFailure(title string, err error, troubleshooting []string) {
	p.Newline()
	p.Println(NewFailureResult(title, err, troubleshooting).SetWidth(p.width).Render())
}

// PrintWarning prints a warning result box
func (p *Printer) PrintWarning(title string, details map[string]string) {
	p.Newline()
	p.Println(NewWarningResult(title, details).SetWidth(p.width).Render())
}

// PrintPleaseWait prints a styled "please wait" line. The hint sets
// expectations, e.g. "power cycle the target now".
func (p *Printer) PrintPleaseWait(message, hint string) {
	style := lipgloss.NewStyle().
		Foreground(PrimaryColor).
		Bold(true).
		PaddingLeft(2)
	hintStyle := lipgloss.NewStyle().
		Foreground(MutedColor).
		Italic(true)

	line := style.Render("⏳ " + message)
	if hint != "" {
		line += " " + hintStyle.Render("("+hint+")")
	}
	p.Println(line)
}

type attemptMsg struct{ attempt, max int }

type stopMsg struct{}

// waitModel is a spinner with an attempt counter.
type waitModel struct {
	spinner  spinner.Model
	message  string
	attempt  int
	max      int
	stopping bool
}

func (m waitModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m waitModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case attemptMsg:
		m.attempt, m.max = msg.attempt, msg.max
		return m, nil
	case stopMsg:
		m.stopping = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m waitModel) View() string {
	if m.stopping {
		return ""
	}
	counter := ""
	if m.max > 0 {
		counter = StepNoteStyle.Render(fmt.Sprintf(" (attempt %d/%d)", m.attempt, m.max))
	}
	return "  " + m.spinner.View() + " " + StepRunningStyle.Render(m.message) + counter
}

// Waiter shows a spinner while the target is polled after a manual power
// cycle. On a non-terminal output it prints a single line instead.
type Waiter struct {
	program *tea.Program
	done    chan struct{}
}

// StartWaiter starts the spinner on w.
func StartWaiter(w io.Writer, message string, animate bool) *Waiter {
	if !animate {
		NewPrinter(w).PrintPleaseWait(message, "power cycle the target now")
		return &Waiter{}
	}

	model := waitModel{
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(PrimaryColor)),
		),
		message: message,
	}
	wt := &Waiter{
		program: tea.NewProgram(model,
			tea.WithOutput(w),
			tea.WithInput(nil),
			tea.WithoutSignalHandler(),
		),
		done: make(chan struct{}),
	}
	go func() {
		defer close(wt.done)
		_, _ = wt.program.Run()
	}()
	return wt
}

// Attempt reports a poll attempt. It matches reset.AttemptFunc.
func (w *Waiter) Attempt(attempt, max int) {
	if w.program != nil {
		w.program.Send(attemptMsg{attempt, max})
	}
}

// Stop removes the spinner and waits for the program to exit.
func (w *Waiter) Stop() {
	if w.program == nil {
		return
	}
	w.program.Send(stopMsg{})
	<-w.done
	w.program = nil
}
