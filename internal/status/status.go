package status

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Progress bar characters
const (
	barFilled = "█"
	barEmpty  = "░"
	barWidth  = 20
)

var (
	dim    = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	okMark = color.New(color.FgGreen, color.Bold).SprintFunc()
	warn   = color.New(color.FgYellow, color.Bold).SprintFunc()
	fail   = color.New(color.FgRed, color.Bold).SprintFunc()
)

// ANSI cursor control for in-place updates.
const (
	clearLine  = "\033[2K"
	moveUp     = "\033[A"
	moveToCol0 = "\r"
)

// Writer handles in-place status updates to the terminal
type Writer struct {
	w            io.Writer
	mu           sync.Mutex
	linesWritten int
	inPlace      bool
}

// New creates a status writer that outputs to stdout
func New() *Writer {
	return &Writer{w: os.Stdout, inPlace: !color.NoColor}
}

// NewWithWriter creates a status writer with a custom output. Lines are
// appended rather than redrawn.
func NewWithWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Clear erases any previously written status lines
func (s *Writer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inPlace {
		s.linesWritten = 0
		return
	}
	for i := 0; i < s.linesWritten; i++ {
		fmt.Fprint(s.w, moveUp+clearLine)
	}
	fmt.Fprint(s.w, moveToCol0)
	s.linesWritten = 0
}

// Update clears previous status and writes new status
func (s *Writer) Update(lines ...string) {
	s.Clear()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range lines {
		fmt.Fprintln(s.w, line)
	}
	s.linesWritten = len(lines)
}

// Persist writes lines that later updates will not erase.
func (s *Writer) Persist(lines ...string) {
	s.Clear()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range lines {
		fmt.Fprintln(s.w, line)
	}
}

func progressBar(completed, total int) string {
	if total <= 0 {
		return dim(strings.Repeat(barEmpty, barWidth))
	}
	filled := min((completed*barWidth)/total, barWidth)
	return green(strings.Repeat(barFilled, filled)) + dim(strings.Repeat(barEmpty, barWidth-filled))
}

// Cycle shows the running cycle and phase.
func (s *Writer) Cycle(cycle, ceiling int, phase string) {
	s.Update(fmt.Sprintf("%s %s %s", progressBar(cycle-1, ceiling), dim(fmt.Sprintf("%d/%d", cycle, ceiling)), bold(phase)))
}

// CycleDone summarizes a finished cycle.
func (s *Writer) CycleDone(cycle, ceiling, confirmed, falsePositives, errs int, took time.Duration) {
	line := fmt.Sprintf("%s %s %s confirmed %d", progressBar(cycle, ceiling), dim(fmt.Sprintf("%d/%d", cycle, ceiling)), okMark("✓"), confirmed)
	if falsePositives > 0 {
		line += warn(fmt.Sprintf("  rejected %d", falsePositives))
	}
	if errs > 0 {
		line += fail(fmt.Sprintf("  errors %d", errs))
	}
	s.Update(line + dim(fmt.Sprintf("  (%s)", took.Round(time.Millisecond))))
}

// PhaseTimeout notes a phase that fell back after its timeout.
func (s *Writer) PhaseTimeout(cycle int, phase string, after time.Duration) {
	s.Persist(fmt.Sprintf("%s %s", warn("⏱"), dim(fmt.Sprintf("cycle %d: %s phase timed out after %s, using fallback", cycle, phase, after))))
}

// CycleFailed shows an error that escaped a cycle. The loop keeps going.
func (s *Writer) CycleFailed(cycle int, err error, retryIn time.Duration) {
	s.Persist(
		fmt.Sprintf("%s cycle %d failed", fail("✗"), cycle),
		dim(fmt.Sprintf("  %v", err)),
		dim(fmt.Sprintf("  continuing in %s", retryIn)),
	)
}

// CircuitOpen shows when a capability's circuit breaker has opened
func (s *Writer) CircuitOpen(capability string) {
	s.Persist(fmt.Sprintf("%s %s", warn("⚡ "+capability+" circuit open"), dim("skipping due to recent failures")))
}

// Waiting shows the pause before the next cycle.
func (s *Writer) Waiting(next time.Duration) {
	s.Update(dim(fmt.Sprintf("⏳ next cycle in %s", next.Round(time.Second))))
}

// Stopped shows why the run ended.
func (s *Writer) Stopped(cycle int, reason string) {
	s.Persist(fmt.Sprintf("%s %s", okMark("■"), fmt.Sprintf("stopped after cycle %d: %s", cycle, reason)))
}
