package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaycall-core/server/internal/agent/graph"
	"github.com/relaycall-core/server/internal/agent/repo"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.yaml>...",
	Short: "Check workflow files for consistency",
	Long:  `Loads each workflow file and reports unknown node types, dangling edges, bad conditions and unreachable nodes.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, path := range args {
			if err := runValidate(path); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: invalid\n%v\n", path, err)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d workflows failed validation", failed, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(path string) error {
	wf, err := repo.LoadWorkflowFile(path)
	if err != nil {
		return err
	}
	return errors.Join(graph.Validate(wf)...)
}
