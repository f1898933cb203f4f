package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gosqueeze/pkg/jobregistry"
	"github.com/3leaps/gosqueeze/pkg/output"
	"github.com/3leaps/gosqueeze/pkg/sink"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage jobs",
	Long: `Inspect and manage compression job records.

Job ids are stable UUIDs; any unique prefix (such as the 12 characters shown
by 'jobs list') is accepted wherever a job id is expected.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show the full record for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old terminal jobs and their outputs",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().StringSlice("state", nil, "Only list jobs in these states (pending, running, succeeded, failed)")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsCancelCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().String("max-age", "168h", "Delete terminal jobs that ended longer ago than this")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("keep-outputs", false, "Delete records but leave output files")
}

func withStore(cmd *cobra.Command, fn func(ctx context.Context, store jobregistry.Store) error) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(ctx, store)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	rawStates, _ := cmd.Flags().GetStringSlice("state")

	var filter jobregistry.ListFilter
	for _, s := range rawStates {
		state := jobregistry.JobState(strings.ToLower(strings.TrimSpace(s)))
		if !state.Valid() {
			return exitError(foundry.ExitInvalidArgument, "Invalid --state value", fmt.Errorf("unknown state %q", s))
		}
		filter.States = append(filter.States, state)
	}

	return withStore(cmd, func(ctx context.Context, store jobregistry.Store) error {
		jobs, err := store.List(ctx, filter)
		if err != nil {
			return err
		}

		if jsonOutput {
			if jobs == nil {
				jobs = []jobregistry.JobRecord{}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(jobs)
		}
		if len(jobs) == 0 {
			_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer func() { _ = w.Flush() }()

		_, _ = fmt.Fprintln(w, "JOB ID\tNAME\tSTATE\tCEILING\tOUTPUT\tQUALITY\tCREATED\tENDED\tSOURCE")
		for _, j := range jobs {
			state := string(j.State)
			if j.FailureKind != "" {
				state += "(" + string(j.FailureKind) + ")"
			}
			if j.BestEffort {
				state += "*"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				shortJobID(j.JobID),
				dash(j.Name),
				state,
				humanize.IBytes(uint64(j.Request.CeilingBytes)),
				outputSize(j),
				quality(j),
				j.CreatedAt.UTC().Format(time.RFC3339),
				formatOptionalTime(j.EndedAt),
				j.Request.Source,
			)
		}
		return nil
	})
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return withStore(cmd, func(ctx context.Context, store jobregistry.Store) error {
		jobID, err := resolveJobID(ctx, store, args[0])
		if err != nil {
			return exitError(foundry.ExitFileNotFound, "Unknown job", err)
		}
		rec, err := store.Get(ctx, jobID)
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		}
		printRecord(rec)
		return nil
	})
}

func printRecord(rec *jobregistry.JobRecord) {
	out := os.Stdout
	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	if rec.Name != "" {
		_, _ = fmt.Fprintf(out, "name=%s\n", rec.Name)
	}
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(out, "source=%s\n", rec.Request.Source)
	_, _ = fmt.Fprintf(out, "ceiling_bytes=%d\n", rec.Request.CeilingBytes)
	if rec.OutputLocation != "" {
		_, _ = fmt.Fprintf(out, "output_location=%s\n", rec.OutputLocation)
		_, _ = fmt.Fprintf(out, "output_bytes=%d\n", rec.OutputBytes)
		_, _ = fmt.Fprintf(out, "output_checksum=%s\n", rec.OutputChecksum)
		_, _ = fmt.Fprintf(out, "final_quality=%d\n", rec.FinalQuality)
		_, _ = fmt.Fprintf(out, "best_effort=%t\n", rec.BestEffort)
		_, _ = fmt.Fprintf(out, "attempts=%d\n", rec.Attempts)
	}
	if rec.SourceBytes > 0 {
		_, _ = fmt.Fprintf(out, "source_bytes=%d\n", rec.SourceBytes)
	}
	if rec.FailureKind != "" {
		_, _ = fmt.Fprintf(out, "failure_kind=%s\n", rec.FailureKind)
		_, _ = fmt.Fprintf(out, "failure_reason=%s\n", rec.FailureReason)
	}
	if rec.CancelRequested {
		_, _ = fmt.Fprintln(out, "cancel_requested=true")
	}
	_, _ = fmt.Fprintf(out, "delivery_count=%d\n", rec.DeliveryCount)
	if rec.DeferralCount > 0 {
		_, _ = fmt.Fprintf(out, "deferral_count=%d\n", rec.DeferralCount)
		_, _ = fmt.Fprintf(out, "last_deferral_reason=%s\n", rec.LastDeferralReason)
	}
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(out, "pid=%d\n", rec.PID)
	}
	_, _ = fmt.Fprintf(out, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if rec.LastHeartbeat != nil {
		_, _ = fmt.Fprintf(out, "last_heartbeat=%s\n", rec.LastHeartbeat.UTC().Format(time.RFC3339))
	}
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	if err := requireWritable("cancel jobs"); err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	jobID, err := resolveJobID(ctx, a.store, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Unknown job", err)
	}
	rec, err := a.runner.Cancel(ctx, jobID)
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeStatusJSON(ctx, rec.Status())
	}
	switch {
	case rec.State == jobregistry.JobStateRunning:
		_, _ = fmt.Fprintf(os.Stdout, "job_id=%s state=running cancel_requested=true\n", rec.JobID)
	default:
		printStatusLine(rec.Status())
	}
	return nil
}

type jobsGCResult struct {
	Deleted        int    `json:"deleted"`
	WouldDelete    int    `json:"would_delete"`
	OutputsRemoved int    `json:"outputs_removed"`
	OutputsSkipped int    `json:"outputs_skipped"`
	DryRun         bool   `json:"dry_run"`
	MaxAgeString   string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("--max-age must be > 0"))
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	keepOutputs, _ := cmd.Flags().GetBool("keep-outputs")
	if !dryRun {
		if err := requireWritable("delete jobs"); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	jobs, err := a.store.List(ctx, jobregistry.ListFilter{
		States: []jobregistry.JobState{jobregistry.JobStateSucceeded, jobregistry.JobStateFailed},
	})
	if err != nil {
		return err
	}

	res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr}
	if err := gcJobs(ctx, a.store, a.sink, jobs, gcOptions{
		maxAge:      maxAge,
		dryRun:      dryRun,
		keepOutputs: keepOutputs,
		now:         time.Now().UTC(),
	}, &res); err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "would_delete=%d\n", res.WouldDelete)
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted=%d outputs_removed=%d outputs_skipped=%d\n", res.Deleted, res.OutputsRemoved, res.OutputsSkipped)
	return nil
}

type gcOptions struct {
	maxAge      time.Duration
	dryRun      bool
	keepOutputs bool
	now         time.Time
}

// gcJobs deletes terminal records older than maxAge. An output is removed
// only when the record's location is where the current sink would write it;
// records from an earlier output destination are deleted but their outputs
// are left alone and counted as skipped.
func gcJobs(ctx context.Context, store jobregistry.Store, out sink.Sink, jobs []jobregistry.JobRecord, opts gcOptions, res *jobsGCResult) error {
	for _, j := range jobs {
		if !j.State.IsTerminal() || j.EndedAt == nil || opts.now.Sub(j.EndedAt.UTC()) <= opts.maxAge {
			continue
		}
		if opts.dryRun {
			res.WouldDelete++
			continue
		}
		if !opts.keepOutputs && j.OutputLocation != "" {
			if j.OutputLocation != out.Location(j.JobID) {
				res.OutputsSkipped++
			} else {
				if err := out.Remove(ctx, j.JobID); err != nil {
					return exitError(foundry.ExitFileWriteError, "Failed to remove output", err)
				}
				res.OutputsRemoved++
			}
		}
		if err := store.Delete(ctx, j.JobID); err != nil && !errors.Is(err, jobregistry.ErrJobNotFound) {
			return exitError(foundry.ExitFileWriteError, "Failed to delete job", err)
		}
		res.Deleted++
	}
	return nil
}

func writeStatusJSON(ctx context.Context, st jobregistry.Status) error {
	w := output.NewJSONLWriter(os.Stdout)
	defer func() { _ = w.Close() }()
	return w.WriteStatus(ctx, &st)
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func outputSize(j jobregistry.JobRecord) string {
	if j.OutputLocation == "" {
		return "-"
	}
	return humanize.IBytes(uint64(j.OutputBytes))
}

func quality(j jobregistry.JobRecord) string {
	if j.FinalQuality == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", j.FinalQuality)
}

// resolveJobID accepts a full id or a unique prefix.
func resolveJobID(ctx context.Context, store jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	if _, err := store.Get(ctx, input); err == nil {
		return input, nil
	} else if !errors.Is(err, jobregistry.ErrJobNotFound) {
		return "", err
	}

	jobs, err := store.List(ctx, jobregistry.ListFilter{})
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", jobregistry.ErrJobNotFound, input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use the full job_id", len(matches))
	}
	return matches[0], nil
}
