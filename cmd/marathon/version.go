package main

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
)

// Set by -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show marathon's version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "marathon version %s\n", versionString())
		},
	}
}

func unset(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || s == "none" || s == "unknown"
}

// versionString is the release version, or dev plus whatever VCS details
// the build recorded.
func versionString() string {
	if version != "dev" {
		return version
	}
	c, d := strings.TrimSpace(commit), strings.TrimSpace(date)
	if unset(c) || unset(d) {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				switch {
				case s.Key == "vcs.revision" && unset(c):
					c = strings.TrimSpace(s.Value)
				case s.Key == "vcs.time" && unset(d):
					d = strings.TrimSpace(s.Value)
				}
			}
		}
	}
	if !unset(c) && len(c) > 7 {
		c = c[:7]
	}

	switch {
	case unset(c) && unset(d):
		return "dev"
	case unset(c):
		return fmt.Sprintf("dev (built %s)", d)
	case unset(d):
		return fmt.Sprintf("dev (commit %s)", c)
	}
	return fmt.Sprintf("dev (commit %s, built %s)", c, d)
}
