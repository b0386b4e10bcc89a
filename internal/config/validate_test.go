package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidator(t *testing.T) {
	validator := NewValidator([]string{"noop"})

	tests := []struct {
		name       string
		mutate     func(*Config)
		wantErrors int
		wantFields []string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:       "zero interval",
			mutate:     func(c *Config) { c.Interval = 0 },
			wantErrors: 1,
			wantFields: []string{"interval"},
		},
		{
			name: "bad timeouts",
			mutate: func(c *Config) {
				c.AnalysisTimeout = 0
				c.ActionTimeout = -time.Second
			},
			wantErrors: 2,
			wantFields: []string{"analysis_timeout", "action_timeout"},
		},
		{
			name:       "unparseable deadline",
			mutate:     func(c *Config) { c.Deadline = "-5m" },
			wantErrors: 1,
			wantFields: []string{"deadline"},
		},
		{
			name: "capability problems",
			mutate: func(c *Config) {
				c.Capabilities = []CapabilityConfig{
					{ID: "lint", Command: "make lint"},
					{ID: "lint", Command: "make lint"},
					{ID: "noop", Command: "true"},
					{ID: "empty"},
				}
			},
			wantErrors: 3,
			wantFields: []string{"id", "command"},
		},
		{
			name: "unknown references",
			mutate: func(c *Config) {
				c.DefaultCapability = "ghost"
				c.Analyzer = "oracle"
				c.Schedule = []ScheduleEntry{{Capability: "phantom", Every: 0}}
			},
			wantErrors: 5,
			wantFields: []string{"default_capability", "analyzer", "capability", "every", "description"},
		},
		{
			name: "schedule referencing declared capability",
			mutate: func(c *Config) {
				c.Capabilities = []CapabilityConfig{{ID: "docs", Command: "./gen.sh"}}
				c.Schedule = []ScheduleEntry{{Capability: "docs", Every: 10, Description: "regenerate docs"}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := validator.Validate(cfg)

			if len(errs) != tt.wantErrors {
				t.Errorf("expected %d errors, got %d: %v", tt.wantErrors, len(errs), errs)
			}

			for _, field := range tt.wantFields {
				found := false
				for _, e := range errs {
					if e.Field == field {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("expected error for field %q, got errors: %v", field, errs)
				}
			}
		})
	}
}

func TestValidationErrorFormat(t *testing.T) {
	err := ValidationError{
		Field:   "command",
		Message: "command is required",
		Context: "capabilities[0]",
	}

	expected := "command: command is required (in capabilities[0])"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}

	err.Context = ""
	expected = "command: command is required"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestValidateConfigConvenience(t *testing.T) {
	if err := ValidateConfig(Default()); err != nil {
		t.Errorf("expected no error, got: %v", err)
	}

	invalid := Default()
	invalid.Interval = 0
	invalid.MaxActionsPerCycle = 0
	err := ValidateConfig(invalid)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) != 2 {
		t.Fatalf("expected 2 validation errors, got %v", err)
	}
	if !strings.Contains(err.Error(), "validation failed with 2 error(s)") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
