package banner

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#DDDDDD"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
)

// Row is one key/value line in a panel.
type Row struct {
	Key   string
	Value string
}

// Info describes the run being started.
type Info struct {
	Version      string
	RunID        string
	Cycle        int
	Ceiling      int
	Deadline     *time.Time
	Interval     time.Duration
	StateDir     string
	Capabilities []string
	Resumed      bool
}

// Banner handles pretty startup output
type Banner struct {
	writer io.Writer
}

// New creates a new Banner that writes to stdout
func New() *Banner {
	return &Banner{writer: os.Stdout}
}

// NewWithWriter creates a Banner with a custom writer (for testing)
func NewWithWriter(w io.Writer) *Banner {
	return &Banner{writer: w}
}

// Print displays the startup banner.
func (b *Banner) Print(info Info) {
	subtitle := "fresh run"
	if info.Resumed {
		subtitle = fmt.Sprintf("resuming at cycle %d", info.Cycle)
	}
	rows := []Row{
		{"run", info.RunID},
		{"cycles", fmt.Sprintf("%d / %d", info.Cycle, info.Ceiling)},
		{"deadline", FormatDeadline(info.Deadline)},
		{"interval", info.Interval.String()},
		{"state", info.StateDir},
	}
	if len(info.Capabilities) > 0 {
		rows = append(rows, Row{"capabilities", strings.Join(info.Capabilities, ", ")})
	}
	title := "marathon"
	if info.Version != "" {
		title += " " + info.Version
	}
	fmt.Fprintln(b.writer, Panel(title+" · "+subtitle, rows))
}

// Panel renders rows in a rounded box under a title.
func Panel(title string, rows []Row) string {
	width := 0
	for _, r := range rows {
		width = max(width, len(r.Key))
	}
	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, titleStyle.Render(title))
	for _, r := range rows {
		key := keyStyle.Render(fmt.Sprintf("%-*s", width, r.Key))
		lines = append(lines, key+"  "+valueStyle.Render(r.Value))
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// FormatDeadline renders a deadline with the time remaining.
func FormatDeadline(d *time.Time) string {
	if d == nil {
		return "none"
	}
	left := time.Until(*d).Round(time.Second)
	if left <= 0 {
		return d.Format(time.RFC3339) + " (passed)"
	}
	return fmt.Sprintf("%s (%s left)", d.Format(time.RFC3339), left)
}
