package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gosqueeze/internal/config"
	"github.com/3leaps/gosqueeze/internal/observability"
	"github.com/3leaps/gosqueeze/pkg/jobregistry"
	"github.com/3leaps/gosqueeze/pkg/precondition"
	"github.com/3leaps/gosqueeze/pkg/provider"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment gosqueeze runs in.

Examples:
  gosqueeze doctor                 # Environment, registry and disk checks
  gosqueeze doctor --provider s3   # Also check AWS credentials`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

type doctorRun struct {
	num   int
	total int
	ok    bool
}

func (d *doctorRun) pass(label, detail string, fields ...zap.Field) {
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] %s... ✅ %s", d.num, d.total, label, detail), fields...)
	d.num++
}

func (d *doctorRun) warn(label, detail string, fields ...zap.Field) {
	observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] %s... ⚠️  %s", d.num, d.total, label, detail), fields...)
	d.num++
	d.ok = false
}

func (d *doctorRun) fail(label, detail string, fields ...zap.Field) {
	observability.CLILogger.Error(fmt.Sprintf("[%d/%d] %s... ❌ %s", d.num, d.total, label, detail), fields...)
	d.num++
	d.ok = false
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger
	log.Info("=== " + binaryName + " doctor ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	d := &doctorRun{num: 1, total: 7, ok: true}
	if doctorProvider == "s3" {
		d.total = 9
	}

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		d.pass("Checking Go version", goVersion, zap.String("go_version", goVersion))
	} else {
		d.warn("Checking Go version", goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
	}

	version := crucible.GetVersion()
	if version.Gofulmen != "" {
		d.pass("Checking Gofulmen", "v"+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
	} else {
		d.warn("Checking Gofulmen", "version unavailable")
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		d.fail("Loading configuration", "invalid configuration", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Doctor found problems", err)
	}
	d.pass("Loading configuration", cfg.DataDir, zap.String("data_dir", cfg.DataDir))

	if err := checkWritableDir(cfg.DataDir); err != nil {
		d.fail("Checking data directory", "not writable", zap.String("data_dir", cfg.DataDir), zap.Error(err))
	} else {
		d.pass("Checking data directory", "writable", zap.String("data_dir", cfg.DataDir))
	}

	checkRegistry(ctx, d, cfg)
	checkHeadroom(ctx, d, cfg)

	d.pass("Checking environment", runtime.GOOS+"/"+runtime.GOARCH,
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	if doctorProvider == "s3" {
		runS3Checks(ctx, d, cfg)
	}

	log.Info("")
	if d.ok {
		log.Info("✅ All checks passed! Your " + binaryName + " installation is healthy.")
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")

	if !d.ok {
		return exitError(foundry.ExitExternalServiceUnavailable, "Doctor found problems", fmt.Errorf("%d checks run", d.total))
	}
	return nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func checkRegistry(ctx context.Context, d *doctorRun, cfg *config.Config) {
	label := "Checking job registry"
	store, err := jobregistry.Open(ctx, cfg.Registry.Backend, cfg.RegistryPath())
	if err != nil {
		d.fail(label, "cannot open "+cfg.RegistryPath(), zap.Error(err))
		return
	}
	defer func() { _ = store.Close() }()

	jobs, err := store.List(ctx, jobregistry.ListFilter{})
	if err != nil {
		d.fail(label, "cannot list jobs", zap.Error(err))
		return
	}
	counts := map[jobregistry.JobState]int{}
	for _, j := range jobs {
		counts[j.State]++
	}
	d.pass(label, fmt.Sprintf("%s (%d jobs)", cfg.Registry.Backend, len(jobs)),
		zap.String("path", cfg.RegistryPath()),
		zap.Int("pending", counts[jobregistry.JobStatePending]),
		zap.Int("running", counts[jobregistry.JobStateRunning]),
		zap.Int("succeeded", counts[jobregistry.JobStateSucceeded]),
		zap.Int("failed", counts[jobregistry.JobStateFailed]))
}

func checkHeadroom(ctx context.Context, d *doctorRun, cfg *config.Config) {
	label := "Checking output storage headroom"
	checks, err := preconditionsFor(cfg)
	if err != nil {
		d.fail(label, "invalid output destination", zap.Error(err))
		return
	}
	if len(checks) == 0 {
		d.pass(label, "object storage output, no local limit", zap.String("output", cfg.OutputURI()))
		return
	}
	for _, c := range checks {
		if err := c.Check(ctx); err != nil {
			if precondition.IsUnmet(err) {
				d.warn(label, "jobs will be deferred", zap.Error(err))
			} else {
				d.fail(label, "check failed", zap.Error(err))
			}
			return
		}
	}
	free := "unknown"
	if uri, err := provider.ParseURI(cfg.OutputURI()); err == nil {
		if n, err := precondition.FreeBytes(uri.Path); err == nil {
			free = humanize.IBytes(n) + " free"
		}
	}
	d.pass(label, free, zap.String("output", cfg.OutputURI()), zap.String("min_free", cfg.Precondition.MinFreeBytes.String()))
}

// runS3Checks checks that AWS credentials resolve with the configured profile.
func runS3Checks(ctx context.Context, d *doctorRun, cfg *config.Config) {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Provider Checks:")

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3.Region))
	}
	if cfg.S3.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.S3.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		d.fail("Checking AWS credentials", "cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		d.fail("Checking AWS credentials", "cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}

	d.pass("Checking AWS credentials", "found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	d.pass("Checking credential source", source, zap.String("credential_source", source))
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - s3.endpoint and s3.force_path_style in gosqueeze.yaml")
	observability.CLILogger.Info("")
}
