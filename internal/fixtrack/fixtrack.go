// Package fixtrack counts recurring fix attempts so unresolved issues keep
// coming back as priority candidates instead of being silently dropped.
package fixtrack

import (
	"slices"
	"strings"

	"github.com/chr1sbest/marathon/internal/state"
)

// Category groups fix attempts.
type Category string

const (
	Import     Category = "import"
	Syntax     Category = "syntax"
	Type       Category = "type"
	Dependency Category = "dependency"
	Config     Category = "config"
	EPIPE      Category = "epipe"
	Command    Category = "command"
	File       Category = "file"
	Other      Category = "other"
)

// DefaultCap bounds the repeated-fix list.
const DefaultCap = 20

// DefaultTopK is how many repeated fixes are fed back into analysis.
const DefaultTopK = 5

type rule struct {
	category Category
	keywords []string
}

// Order matters: the first matching rule wins.
var rules = []rule{
	{Import, []string{"import", "require"}},
	{Syntax, []string{"syntax", "parse"}},
	{Type, []string{"type"}},
	{Dependency, []string{"dependency", "package"}},
	{Config, []string{"config", "json"}},
	{EPIPE, []string{"epipe", "pipe"}},
	{Command, []string{"command", "exec"}},
	{File, []string{"file", "path"}},
}

// Classify picks a category for a description by keyword.
func Classify(description string) Category {
	d := strings.ToLower(description)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(d, kw) {
				return r.category
			}
		}
	}
	return Other
}

func isGeneric(category string) bool {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case "", "general", "generic", "null":
		return true
	}
	return false
}

// Tracker updates a FixTracking aggregate in place.
type Tracker struct {
	Cap int
}

func New(cap int) *Tracker {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Tracker{Cap: cap}
}

// Track records one fix attempt and returns the category it was counted under.
func (t *Tracker) Track(ft *state.FixTracking, category, description string, cycle int) Category {
	cat := Category(strings.ToLower(strings.TrimSpace(category)))
	if isGeneric(category) {
		cat = Classify(description)
	}
	if ft.AttemptsByCategory == nil {
		ft.AttemptsByCategory = map[string]int{}
	}
	ft.TotalAttempts++
	ft.AttemptsByCategory[string(cat)]++
	ft.LastFixCycle = cycle

	i := slices.IndexFunc(ft.TopRepeated, func(r state.RepeatedFix) bool {
		return r.Description == description
	})
	if i >= 0 {
		ft.TopRepeated[i].Count++
		ft.TopRepeated[i].LastCycle = cycle
	} else {
		ft.TopRepeated = append(ft.TopRepeated, state.RepeatedFix{
			Description: description,
			Count:       1,
			LastCycle:   cycle,
		})
	}
	slices.SortStableFunc(ft.TopRepeated, func(a, b state.RepeatedFix) int {
		return b.Count - a.Count
	})
	if len(ft.TopRepeated) > t.Cap {
		ft.TopRepeated = ft.TopRepeated[:t.Cap]
	}
	return cat
}

// Priorities returns the descriptions of the k most repeated fixes.
func Priorities(ft *state.FixTracking, k int) []string {
	if k <= 0 {
		return nil
	}
	n := min(k, len(ft.TopRepeated))
	out := make([]string, 0, n)
	for _, r := range ft.TopRepeated[:n] {
		out = append(out, r.Description)
	}
	return out
}
