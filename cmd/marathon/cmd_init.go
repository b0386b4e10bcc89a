package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chr1sbest/marathon/internal/config"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: `Write the default configuration to the --config path (YAML, or JSON
when the path ends in .json). Declare capabilities and schedule entries
there, then start a run with ` + "`marathon run`" + `.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(cmd)
			if err := config.Write(path, config.Default(), force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")
	return cmd
}
