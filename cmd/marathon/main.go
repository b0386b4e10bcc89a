package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = ".marathon/config.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "marathon",
		Short:   "Long-running, restart-safe improvement runner",
		Version: versionString(),
		Long: `marathon drives an unbounded sequence of improvement cycles against a
repository. Each cycle analyses, acts through configured capabilities,
verifies every claim against the filesystem and persists its state, so a
run can be stopped and resumed at any time.`,
		SilenceUsage: true,
	}
	root.SetVersionTemplate("{{.Name}} version {{.Version}}\n")
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to config file (YAML or JSON)")

	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(verifyCmd())
	root.AddCommand(initCmd())
	root.AddCommand(versionCmd())
	return root
}

func configPath(cmd *cobra.Command) string {
	p, err := cmd.Flags().GetString("config")
	if err != nil || p == "" {
		return defaultConfigPath
	}
	return p
}
