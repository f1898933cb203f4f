package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gosqueeze/internal/observability"
	"github.com/3leaps/gosqueeze/pkg/precondition"
	"github.com/3leaps/gosqueeze/pkg/runner"
)

var runCmd = &cobra.Command{
	Use:   "run <job_id>",
	Short: "Execute one job in the foreground",
	Long: `Deliver a single job to the runner in this process and wait for it.
Accepts a unique job id prefix. Running a terminal job is a no-op that
prints its recorded status.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("json", false, "Emit the final status as JSONL")
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := requireWritable("run jobs"); err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg, observability.CLILogger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	jobID, err := resolveJobID(ctx, a.store, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Unknown job", err)
	}

	execErr := a.runner.Execute(ctx, jobID)
	switch {
	case execErr == nil:
	case errors.Is(execErr, runner.ErrDeferred):
		var unmet *precondition.UnmetError
		if errors.As(execErr, &unmet) {
			_, _ = fmt.Fprintf(os.Stderr, "deferred: %s: %s\n", unmet.Check, unmet.Reason)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Job deferred", execErr)
	case errors.Is(execErr, runner.ErrAlreadyExecuting):
		return exitError(foundry.ExitInvalidArgument, "Job is already executing", execErr)
	case ctx.Err() != nil:
		return exitError(foundry.ExitSignalInt, "Run interrupted; job stays running for redelivery", execErr)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, "Run failed", execErr)
	}

	st, err := a.runner.Status(ctx, jobID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeStatusJSON(ctx, st)
	}
	printStatusLine(st)
	return nil
}
