package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gosqueeze/internal/observability"
	"github.com/3leaps/gosqueeze/pkg/jobregistry"
	"github.com/3leaps/gosqueeze/pkg/output"
	"github.com/3leaps/gosqueeze/pkg/runner"
)

var (
	submitCeiling  string
	submitName     string
	submitGlob     string
	submitManifest string
	submitWait     bool
	submitJSON     bool
	submitInterval time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit [source...]",
	Short: "Submit compression jobs",
	Long: `Submit one job per source. A source is a local path, file:// URI or
s3://bucket/key. Jobs are persisted and picked up by 'gosqueeze worker' or
'gosqueeze serve'; submit never compresses inline.

Examples:
  gosqueeze submit ./hero.png --ceiling 200KiB
  gosqueeze submit --glob './photos/**/*.png' --ceiling 1MiB --json
  gosqueeze submit --manifest batch.yaml --wait`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitCeiling, "ceiling", "", "Maximum output size, e.g. 20KiB or 20000")
	submitCmd.Flags().StringVar(&submitName, "name", "", "Job name (single source only)")
	submitCmd.Flags().StringVar(&submitGlob, "glob", "", "Submit every local file matching a doublestar pattern")
	submitCmd.Flags().StringVar(&submitManifest, "manifest", "", "YAML batch file listing jobs")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Wait until every submitted job is terminal")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "Emit JSONL records")
	submitCmd.Flags().DurationVar(&submitInterval, "interval", 500*time.Millisecond, "Poll interval for --wait")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if err := requireWritable("submit jobs"); err != nil {
		return err
	}
	entries, err := collectSubmissions(args)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid submission", err)
	}

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

	w := output.NewJSONLWriter(os.Stdout)
	defer func() { _ = w.Close() }()

	start := time.Now()
	var summary output.SummaryRecord
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		id, err := a.runner.Submit(ctx, jobregistry.Request{Source: e.Source, CeilingBytes: e.CeilingBytes}, runner.WithName(e.Name))
		if err != nil {
			summary.Errors++
			if submitJSON {
				_ = w.WriteError(ctx, "", &output.ErrorRecord{Code: errorCode(err), Message: err.Error(), Source: e.Source})
			} else {
				observability.CLILogger.Error("Submit failed", zap.String("source", e.Source), zap.Error(err))
			}
			continue
		}
		summary.Submitted++
		ids = append(ids, id)

		if submitJSON {
			if err := w.WriteSubmitted(ctx, &output.SubmittedRecord{
				JobID:        id,
				Name:         e.Name,
				Source:       e.Source,
				CeilingBytes: e.CeilingBytes,
				Output:       a.sink.Location(id),
			}); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
		} else {
			_, _ = fmt.Fprintf(os.Stdout, "job_id=%s source=%s ceiling=%s\n", id, e.Source, humanize.IBytes(uint64(e.CeilingBytes)))
		}
	}

	if submitWait {
		for _, id := range ids {
			st, err := waitForJob(ctx, a.runner, id, submitInterval)
			if err != nil {
				if ctx.Err() != nil {
					return exitError(foundry.ExitSignalInt, "Wait cancelled", ctx.Err())
				}
				return exitError(foundry.ExitFileReadError, "Failed to follow job", err)
			}
			if st.State == jobregistry.JobStateSucceeded {
				summary.Succeeded++
			} else {
				summary.Failed++
			}
			if submitJSON {
				_ = w.WriteStatus(ctx, &st)
			} else {
				printStatusLine(st)
			}
		}
	}

	summary.Duration = time.Since(start)
	summary.DurationHuman = summary.Duration.Round(time.Millisecond).String()
	if submitJSON && len(entries) > 1 {
		_ = w.WriteSummary(ctx, &summary)
	}

	switch {
	case summary.Submitted == 0:
		return exitError(foundry.ExitInvalidArgument, "No jobs submitted", fmt.Errorf("%d submission(s) rejected", summary.Errors))
	case summary.Failed > 0:
		return &ExitError{Code: 1, Message: "Some jobs failed", Err: fmt.Errorf("%d of %d jobs failed", summary.Failed, summary.Submitted)}
	}
	return nil
}

// collectSubmissions merges positional sources, --glob matches and
// --manifest entries into one list.
func collectSubmissions(args []string) ([]batchEntry, error) {
	var ceiling *int64
	if strings.TrimSpace(submitCeiling) != "" {
		n, err := parseCeiling(submitCeiling)
		if err != nil {
			return nil, fmt.Errorf("--ceiling: %w", err)
		}
		ceiling = &n
	}

	var sources []string
	sources = append(sources, args...)
	if strings.TrimSpace(submitGlob) != "" {
		matches, err := expandGlob(submitGlob)
		if err != nil {
			return nil, fmt.Errorf("--glob: %w", err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("--glob %q matched no files", submitGlob)
		}
		sources = append(sources, matches...)
	}

	if len(sources) > 0 && ceiling == nil {
		return nil, errors.New("--ceiling is required")
	}
	if strings.TrimSpace(submitName) != "" && len(sources) != 1 {
		return nil, errors.New("--name applies to a single source")
	}

	entries := make([]batchEntry, 0, len(sources))
	for _, src := range sources {
		entries = append(entries, batchEntry{Source: src, CeilingBytes: *ceiling, Name: submitName})
	}

	if strings.TrimSpace(submitManifest) != "" {
		batch, err := loadBatchFile(submitManifest, ceiling)
		if err != nil {
			return nil, fmt.Errorf("--manifest: %w", err)
		}
		entries = append(entries, batch...)
	}

	if len(entries) == 0 {
		return nil, errors.New("nothing to submit: pass a source, --glob or --manifest")
	}
	return entries, nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, runner.ErrInvalidRequest):
		return output.ErrCodeInvalidArgument
	case errors.Is(err, jobregistry.ErrJobNotFound):
		return output.ErrCodeNotFound
	}
	return output.ErrCodeInternal
}

func printStatusLine(st jobregistry.Status) {
	line := fmt.Sprintf("job_id=%s state=%s", st.JobID, st.State)
	if st.OutputLocation != "" {
		line += " output=" + st.OutputLocation
	}
	if st.FinalQuality > 0 {
		line += fmt.Sprintf(" quality=%d", st.FinalQuality)
	}
	if st.BestEffort {
		line += " best_effort=true"
	}
	if st.FailureKind != "" {
		line += fmt.Sprintf(" failure=%s", st.FailureKind)
	}
	if st.Reason != "" {
		line += fmt.Sprintf(" reason=%q", st.Reason)
	}
	_, _ = fmt.Fprintln(os.Stdout, line)
}

// followContext is ctx bounded by timeout when timeout > 0.
func followContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// waitForJob blocks until id is terminal. The registry is polled alongside
// the subscription because the job may be executed by another process.
func waitForJob(ctx context.Context, r *runner.Runner, id string, interval time.Duration) (jobregistry.Status, error) {
	waitCtx, stop := context.WithCancel(ctx)
	defer stop()

	followErr := make(chan error, 1)
	go func() {
		if _, err := r.Follow(waitCtx, id, interval); err != nil && waitCtx.Err() == nil {
			followErr <- err
			stop()
		}
	}()

	st, err := r.Channel().Wait(waitCtx, id)
	if err != nil {
		select {
		case ferr := <-followErr:
			return st, ferr
		default:
			return st, err
		}
	}
	return st, nil
}
