package budget

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var parser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseDeadline accepts an RFC3339 instant, a Go duration relative to now
// ("10h", "90m"), or an English phrase ("in 3 hours", "tomorrow at 9am").
// An empty string means no deadline and returns nil.
func ParseDeadline(text string, now time.Time) (*time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return &t, nil
	}
	if d, err := time.ParseDuration(text); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("deadline duration must be positive: %s", text)
		}
		t := now.Add(d)
		return &t, nil
	}
	r, err := parser.Parse(text, now)
	if err != nil {
		return nil, fmt.Errorf("parse deadline %q: %w", text, err)
	}
	if r == nil {
		return nil, fmt.Errorf("unrecognised deadline %q", text)
	}
	t := r.Time
	return &t, nil
}

// ValidDeadline reports whether a persisted deadline can still be honoured.
func ValidDeadline(deadline *time.Time, now time.Time) bool {
	if deadline == nil || deadline.IsZero() {
		return false
	}
	return deadline.After(now)
}
