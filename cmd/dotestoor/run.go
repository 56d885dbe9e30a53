package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/dotestoor/pkg/config"
	"github.com/ethpandaops/dotestoor/pkg/fsutil"
	"github.com/ethpandaops/dotestoor/pkg/runner"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runSourceDir   string
	runResultsDir  string
	runFilter      string
	runWorkers     int
	runMaxFailures int
	runTimeout     time.Duration
	runNoExecute   bool
	runUnsupported bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the child test suite",
	Long: `Discover every child test under the suite source directory, run each one
through dotest and record the verdicts. Exits 1 when any test ends with FAIL,
XPASS, UNRESOLVED or TIMEOUT.`,
	RunE: runSuite,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addSuiteFlags(runCmd)
	runCmd.Flags().StringVar(&runResultsDir, "results-dir", "",
		"Directory for run artifacts (overrides results.dir)")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0,
		"Number of tests to run concurrently (overrides suite.workers)")
	runCmd.Flags().IntVar(&runMaxFailures, "max-failures", 0,
		"Stop after this many failing tests (overrides suite.max_failures)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0,
		"Per-test timeout (overrides suite.timeout)")
	runCmd.Flags().BoolVar(&runNoExecute, "no-execute", false,
		"Report every test as PASS without running it")
	runCmd.Flags().BoolVar(&runUnsupported, "unsupported", false,
		"Report every test as UNSUPPORTED without running it")
}

// addSuiteFlags registers flags shared by commands that discover tests.
func addSuiteFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&runSourceDir, "source-dir", "",
		"Suite source directory (overrides suite.source_dir)")
	cmd.Flags().StringVar(&runFilter, "filter", "",
		"Only run tests whose ID contains this string or matches this glob")
}

// applyFlags overrides config values with explicitly set flags.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("source-dir") {
		cfg.Suite.SourceDir = runSourceDir
	}

	if flags.Changed("filter") {
		cfg.Suite.Filter = runFilter
	}

	if flags.Changed("results-dir") {
		cfg.Results.Dir = runResultsDir
	}

	if flags.Changed("workers") {
		cfg.Suite.Workers = runWorkers
	}

	if flags.Changed("max-failures") {
		cfg.Suite.MaxFailures = runMaxFailures
	}

	if flags.Changed("timeout") {
		cfg.Suite.Timeout = runTimeout
	}

	if flags.Changed("no-execute") {
		cfg.Suite.NoExecute = runNoExecute
	}

	if flags.Changed("unsupported") {
		cfg.Suite.Unsupported = runUnsupported
	}
}

// newRunner wires executor, store and uploader into a started runner.
// The returned cleanup stops everything in reverse order.
func newRunner(cmd *cobra.Command) (runner.Runner, *config.Config, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	applyFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("validating config: %w", err)
	}

	if err := applyConfigLogLevel(cmd, cfg); err != nil {
		return nil, nil, nil, err
	}

	owner, err := fsutil.ParseOwner(cfg.Results.Owner)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing results.owner: %w", err)
	}

	ctx := cmd.Context()

	var cleanups []func()

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	exec, err := newExecutor(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	cleanups = append(cleanups, func() {
		if err := exec.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop executor")
		}
	})

	st, err := newStore(ctx, cfg)
	if err != nil {
		cleanup()

		return nil, nil, nil, err
	}

	if st != nil {
		cleanups = append(cleanups, func() {
			if err := st.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop store")
			}
		})
	}

	uploader, err := newUploader(cfg)
	if err != nil {
		cleanup()

		return nil, nil, nil, err
	}

	r := runner.NewRunner(log, &runner.Config{
		ResultsDir:  cfg.Results.Dir,
		Owner:       owner,
		Suite:       &cfg.Suite,
		Discovery:   discoveryConfig(&cfg.Suite),
		Workers:     cfg.Suite.Workers,
		MaxFailures: cfg.Suite.MaxFailures,
		Version:     version,
	}, exec, st, uploader)

	if err := r.Start(ctx); err != nil {
		cleanup()

		return nil, nil, nil, fmt.Errorf("starting runner: %w", err)
	}

	cleanups = append(cleanups, func() {
		if err := r.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop runner")
		}
	})

	return r, cfg, cleanup, nil
}

func runSuite(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cmd.SetContext(ctx)

	r, cfg, cleanup, err := newRunner(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	summary, err := r.Run(ctx, runner.RunOptions{Filter: cfg.Suite.Filter})
	if err != nil {
		return fmt.Errorf("running suite: %w", err)
	}

	printSummary(summary)

	if summary.Failed() {
		return errTestsFailed
	}

	return nil
}

// printSummary logs the verdict counts and the failing tests.
func printSummary(summary *runner.Summary) {
	fields := logrus.Fields{
		"run_id":   summary.RunID,
		"status":   summary.Status,
		"total":    summary.Counts.Total,
		"duration": summary.Duration.Round(time.Millisecond),
		"run_dir":  summary.RunDir,
	}

	for v, n := range summary.Counts.Verdicts {
		fields[strings.ToLower(v)] = n
	}

	log.WithFields(fields).Info("Run summary")

	for _, id := range summary.Failing {
		log.WithField("test", id).Error("Failing test")
	}
}
