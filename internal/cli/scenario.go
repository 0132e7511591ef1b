package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/weave/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	BaseDir string
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <path>...",
		Short: "Run collaboration scenarios",
		Long: `Run YAML scenarios that script several replicas editing one document
through a simulated relay, then check the assertions each one declares.
A directory runs every .yaml and .yml file inside it.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (scenario file not found, etc.)

Examples:
  weave scenario ./scenarios
  weave scenario offline_rename_move.yaml --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.BaseDir, "dir", "", "directory relative scenario paths are resolved against")

	return cmd
}

func runScenarios(opts *ScenarioOptions, cmd *cobra.Command, args []string) error {
	paths, err := harness.FindScenarios(args, opts.BaseDir)
	if err != nil {
		var notFound *harness.ScenarioNotFoundError
		if errors.As(err, &notFound) {
			return WrapExitError(ExitCommandError, "scenario not found", err)
		}
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	if len(paths) == 0 {
		return NewExitError(ExitCommandError, "no scenario files found")
	}

	logger := opts.logger(cmd.ErrOrStderr())
	result, err := harness.RunSuite(cmd.Context(), paths, harness.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "scenario run interrupted", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		if result.Failed > 0 {
			if err := out.Error("E_SCENARIO", fmt.Sprintf("%d of %d scenarios failed", result.Failed, result.Total), result); err != nil {
				return err
			}
			return NewExitError(ExitFailure, "scenarios failed")
		}
		return out.Success(result)
	}

	w := cmd.OutOrStdout()
	for _, f := range result.Failures {
		fmt.Fprintf(w, "✗ %s\n", f.ScenarioPath)
		fmt.Fprintf(w, "  %s\n", f.Error)
	}
	fmt.Fprintf(w, "%d scenario(s): %d passed, %d failed\n", result.Total, result.Passed, result.Failed)
	if result.Failed > 0 {
		return NewExitError(ExitFailure, "scenarios failed")
	}
	return nil
}
