package cmd

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gosqueeze/internal/observability"
	"github.com/3leaps/gosqueeze/pkg/jobregistry"
	"github.com/3leaps/gosqueeze/pkg/observe"
	"github.com/3leaps/gosqueeze/pkg/output"
)

var watchCmd = &cobra.Command{
	Use:   "watch <job_id>",
	Short: "Print status changes for a job until it finishes",
	Long: `Subscribe to a job and print each status change until the job is
terminal. Watching a job that already finished prints its final status once.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Duration("interval", 500*time.Millisecond, "Registry poll interval")
	watchCmd.Flags().Duration("timeout", 0, "Give up after this long (0 = no limit)")
	watchCmd.Flags().Bool("json", false, "Emit gosqueeze.status.v1 JSONL records")
}

func runWatch(cmd *cobra.Command, args []string) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return withStore(cmd, func(parent context.Context, store jobregistry.Store) error {
		jobID, err := resolveJobID(parent, store, args[0])
		if err != nil {
			return exitError(foundry.ExitFileNotFound, "Unknown job", err)
		}

		ctx, cancel := followContext(parent, timeout)
		defer cancel()

		ch := observe.NewChannel(store, observability.CLILogger)
		sub, err := ch.Subscribe(ctx, jobID)
		if err != nil {
			return exitError(foundry.ExitFileNotFound, "Unknown job", err)
		}
		defer sub.Close()

		// Another process runs the job; polling feeds its commits into ch.
		followErr := make(chan error, 1)
		go func() {
			_, err := ch.Follow(ctx, jobID, interval)
			followErr <- err
		}()

		w := output.NewJSONLWriter(os.Stdout)
		defer func() { _ = w.Close() }()

		var last jobregistry.Status
		for st := range sub.C() {
			last = st
			if jsonOutput {
				if err := w.WriteStatus(ctx, &st); err != nil {
					observability.CLILogger.Debug("Failed to write status record", zap.Error(err))
				}
			} else {
				printStatusLine(st)
			}
		}
		cancel()
		ferr := <-followErr
		if last.State.IsTerminal() {
			return nil
		}
		if parent.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Watch cancelled", parent.Err())
		}
		if ferr == nil || errors.Is(ferr, context.Canceled) {
			ferr = ctx.Err()
		}
		if ferr == nil {
			ferr = errors.New("subscription closed")
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Watch ended before the job finished", ferr)
	})
}
