package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/chr1sbest/marathon/internal/budget"
)

// ValidationError holds details about a configuration validation failure.
type ValidationError struct {
	Field   string
	Message string
	Context string
}

func (e ValidationError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (in %s)", e.Field, e.Message, e.Context)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, "  - "+e.Error())
	}
	return fmt.Sprintf("validation failed with %d error(s):\n%s", len(errs), strings.Join(msgs, "\n"))
}

// HasErrors returns true if there are any validation errors.
func (errs ValidationErrors) HasErrors() bool {
	return len(errs) > 0
}

// Validator validates configuration.
type Validator struct {
	builtins []string
	now      func() time.Time
}

// NewValidator creates a validator that also accepts the given builtin
// capability ids.
func NewValidator(builtins []string) *Validator {
	return &Validator{builtins: builtins, now: time.Now}
}

// Validate checks a config and returns every problem found.
func (v *Validator) Validate(cfg *Config) ValidationErrors {
	var errs ValidationErrors
	add := func(field, ctx, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Context: ctx})
	}

	if cfg.Interval <= 0 {
		add("interval", "", "must be positive")
	}
	for name, d := range map[string]time.Duration{
		"analysis_timeout": cfg.AnalysisTimeout,
		"action_timeout":   cfg.ActionTimeout,
	} {
		if d <= 0 {
			add(name, "", "must be positive")
		}
	}
	if cfg.ErrorBackoff < 0 {
		add("error_backoff", "", "must not be negative")
	}
	if cfg.DefaultCeiling < 0 {
		add("default_ceiling", "", "must not be negative")
	}
	if cfg.OverrideCeiling < 0 {
		add("override_ceiling", "", "must not be negative")
	}
	if cfg.MaxActionsPerCycle <= 0 {
		add("max_actions_per_cycle", "", "must be positive")
	}
	if cfg.Verification.SweepEvery <= 0 {
		add("sweep_every", "verification", "must be positive")
	}
	if cfg.Verification.SweepWindow < 0 {
		add("sweep_window", "verification", "must not be negative")
	}
	if cfg.FixTracking.TopK < 0 {
		add("top_k", "fix_tracking", "must not be negative")
	}
	if cfg.FixTracking.Cap <= 0 {
		add("cap", "fix_tracking", "must be positive")
	}
	if _, err := budget.ParseDeadline(cfg.Deadline, v.now()); err != nil {
		add("deadline", "", "%v", err)
	}

	known := slices.Clone(v.builtins)
	seen := make(map[string]bool)
	for i, c := range cfg.Capabilities {
		ctx := fmt.Sprintf("capabilities[%d]", i)
		switch {
		case c.ID == "":
			add("id", ctx, "capability id is required")
		case slices.Contains(v.builtins, c.ID):
			add("id", ctx, "%q is a builtin capability", c.ID)
		case seen[c.ID]:
			add("id", ctx, "duplicate capability id %q", c.ID)
		}
		seen[c.ID] = true
		known = append(known, c.ID)
		if strings.TrimSpace(c.Command) == "" {
			add("command", ctx, "command is required")
		}
		if c.Timeout < 0 {
			add("timeout", ctx, "must not be negative")
		}
	}

	isKnown := func(id string) bool { return slices.Contains(known, id) }
	if !isKnown(cfg.DefaultCapability) {
		add("default_capability", "", "unknown capability %q, known: %s", cfg.DefaultCapability, strings.Join(known, ", "))
	}
	if cfg.Analyzer != "" && !isKnown(cfg.Analyzer) {
		add("analyzer", "", "unknown capability %q", cfg.Analyzer)
	}
	for i, s := range cfg.Schedule {
		ctx := fmt.Sprintf("schedule[%d]", i)
		if s.Every <= 0 {
			add("every", ctx, "must be positive")
		}
		if s.Description == "" {
			add("description", ctx, "description is required")
		}
		if s.Capability != "" && !isKnown(s.Capability) {
			add("capability", ctx, "unknown capability %q", s.Capability)
		}
	}
	return errs
}

// ValidateConfig is a convenience function that validates with the builtin
// "noop" capability known.
func ValidateConfig(cfg *Config) error {
	errs := NewValidator([]string{"noop"}).Validate(cfg)
	if errs.HasErrors() {
		return errs
	}
	return nil
}
