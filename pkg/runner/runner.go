package runner

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/dotestoor/pkg/config"
	"github.com/ethpandaops/dotestoor/pkg/discovery"
	"github.com/ethpandaops/dotestoor/pkg/executor"
	"github.com/ethpandaops/dotestoor/pkg/fsutil"
	"github.com/ethpandaops/dotestoor/pkg/results"
	"github.com/ethpandaops/dotestoor/pkg/store"
	"github.com/ethpandaops/dotestoor/pkg/sysinfo"
	"github.com/ethpandaops/dotestoor/pkg/upload"
	"github.com/ethpandaops/dotestoor/pkg/verdict"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxSummaryChars caps summary.md, matching the GitHub step
	// summary limit with some headroom.
	DefaultMaxSummaryChars = 60000

	// suiteHashLen is the number of hex characters kept from the digest.
	suiteHashLen = 16
)

// Runner executes a suite of child tests and records the run.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error

	// Run discovers (or takes) the tests, executes them and writes the run
	// artifacts. The returned error covers discovery and result writing;
	// test failures are reported through the summary.
	Run(ctx context.Context, opts RunOptions) (*Summary, error)
}

// Config for the runner.
type Config struct {
	ResultsDir string
	Owner      *fsutil.OwnerConfig
	// Suite is recorded in config.json; Suite.SourceDir is the walk root.
	Suite     *config.SuiteConfig
	Discovery discovery.Config
	// Workers bounds concurrently running tests; 0 means one per CPU.
	Workers int
	// MaxFailures stops scheduling new tests after this many failure
	// verdicts; 0 disables the limit.
	MaxFailures     int
	MaxSummaryChars int
	Version         string
	// SkipSystemInfo disables gopsutil collection.
	SkipSystemInfo bool
}

// RunOptions narrow a single run.
type RunOptions struct {
	// Filter is a test ID pattern (see discovery.Filter).
	Filter string
	// Tests, when non-nil, replaces discovery.
	Tests []discovery.TestCase
}

// Summary describes a finished run.
type Summary struct {
	RunID             string
	RunDir            string
	SuiteHash         string
	Status            string
	TerminationReason string
	Duration          time.Duration
	Counts            *results.TestCounts
	// Failing holds the IDs of tests with a failure verdict, sorted.
	Failing []string
}

// Failed reports whether any test ended with a failure verdict.
func (s *Summary) Failed() bool {
	return s.Counts != nil && s.Counts.Failures > 0
}

// NewRunner creates a new runner. st and up are optional.
func NewRunner(
	log logrus.FieldLogger,
	cfg *Config,
	exec executor.Executor,
	st store.Store,
	up upload.Uploader,
) Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	if cfg.MaxSummaryChars == 0 {
		cfg.MaxSummaryChars = DefaultMaxSummaryChars
	}

	return &runner{
		log:      log.WithField("component", "runner"),
		cfg:      cfg,
		executor: exec,
		store:    st,
		uploader: up,
	}
}

type runner struct {
	log      logrus.FieldLogger
	cfg      *Config
	executor executor.Executor
	store    store.Store
	uploader upload.Uploader
}

// Ensure interface compliance.
var _ Runner = (*runner)(nil)

// Start prepares the results directory and checks the upload target.
func (r *runner) Start(ctx context.Context) error {
	if r.cfg.Suite == nil || r.cfg.Suite.SourceDir == "" {
		return fmt.Errorf("suite source directory is required")
	}

	if err := fsutil.MkdirAll(r.cfg.ResultsDir, 0755, r.cfg.Owner); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}

	if r.uploader != nil {
		if err := r.uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("upload preflight: %w", err)
		}
	}

	r.log.WithFields(logrus.Fields{
		"results_dir":  r.cfg.ResultsDir,
		"workers":      r.cfg.Workers,
		"max_failures": r.cfg.MaxFailures,
	}).Debug("Runner started")

	return nil
}

// Stop cleans up the runner.
func (r *runner) Stop() error {
	r.log.Debug("Runner stopped")

	return nil
}

// Run executes one suite run.
func (r *runner) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	tests, err := r.selectTests(opts)
	if err != nil {
		return nil, err
	}

	hash, err := SuiteHash(tests)
	if err != nil {
		return nil, fmt.Errorf("computing suite hash: %w", err)
	}

	runID := ulid.Make().String()
	start := time.Now()

	log := r.log.WithFields(logrus.Fields{
		"run_id": runID,
		"tests":  len(tests),
	})

	writer, err := results.NewWriter(r.cfg.ResultsDir, runID, r.cfg.Owner)
	if err != nil {
		return nil, err
	}

	runCfg := &results.RunConfig{
		RunID:     runID,
		Timestamp: start.Unix(),
		SuiteHash: hash,
		Status:    results.StatusRunning,
		Version:   r.cfg.Version,
		Suite:     r.cfg.Suite,
	}

	if !r.cfg.SkipSystemInfo {
		runCfg.System = sysinfo.Collect(ctx, r.log)
	}

	if err := writer.WriteConfig(runCfg); err != nil {
		return nil, err
	}

	log.WithField("suite_hash", hash).Info("Starting run")

	maxFailuresHit, err := r.execute(ctx, tests, writer, log)
	if err != nil {
		return nil, err
	}

	runCfg.Status = results.StatusCompleted
	runCfg.TimestampEnd = time.Now().Unix()

	switch {
	case ctx.Err() != nil:
		runCfg.Status = results.StatusInterrupted
		runCfg.TerminationReason = "interrupted"
	case maxFailuresHit:
		runCfg.Status = results.StatusInterrupted
		runCfg.TerminationReason = fmt.Sprintf("max failures reached (%d)", r.cfg.MaxFailures)
	}

	if err := writer.Finish(runCfg, r.cfg.MaxSummaryChars); err != nil {
		return nil, fmt.Errorf("finishing run: %w", err)
	}

	if _, err := results.RegenerateIndex(r.cfg.ResultsDir, r.cfg.Owner); err != nil {
		log.WithError(err).Warn("Failed to regenerate index")
	}

	// Publishing still happens for interrupted runs.
	publishCtx := context.WithoutCancel(ctx)

	r.upload(publishCtx, writer.RunDir(), log)
	r.record(publishCtx, runCfg, writer.Result(), log)

	summary := &Summary{
		RunID:             runID,
		RunDir:            writer.RunDir(),
		SuiteHash:         hash,
		Status:            runCfg.Status,
		TerminationReason: runCfg.TerminationReason,
		Duration:          time.Since(start),
		Counts:            runCfg.TestCounts,
		Failing:           failing(writer.Result()),
	}

	log.WithFields(logrus.Fields{
		"status":   summary.Status,
		"failures": summary.Counts.Failures,
		"duration": summary.Duration.Round(time.Millisecond),
	}).Info("Run finished")

	return summary, nil
}

// selectTests resolves the tests for a run. Discovery errors fail the run.
func (r *runner) selectTests(opts RunOptions) ([]discovery.TestCase, error) {
	keep, err := discovery.Filter(opts.Filter)
	if err != nil {
		return nil, err
	}

	if opts.Tests != nil {
		tests := make([]discovery.TestCase, 0, len(opts.Tests))

		for _, tc := range opts.Tests {
			if keep(tc) {
				tests = append(tests, tc)
			}
		}

		return tests, nil
	}

	tests, err := discovery.Collect(discovery.Walk(r.cfg.Suite.SourceDir, r.cfg.Discovery), keep)
	if err != nil {
		return nil, fmt.Errorf("discovering tests: %w", err)
	}

	return tests, nil
}

// execute runs tests on the worker pool. It reports whether the failure
// limit stopped scheduling.
func (r *runner) execute(
	ctx context.Context,
	tests []discovery.TestCase,
	writer *results.Writer,
	log logrus.FieldLogger,
) (bool, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(runCtx)
	g.SetLimit(r.cfg.Workers)

	var (
		failures       atomic.Int64
		maxFailuresHit atomic.Bool
	)

	for _, tc := range tests {
		if gCtx.Err() != nil {
			break
		}

		g.Go(func() error {
			// Tests never started are not reported.
			if gCtx.Err() != nil {
				return nil
			}

			res := r.executor.Execute(gCtx, tc)

			if err := writer.WriteTest(res); err != nil {
				return err
			}

			logResult(log, res)

			if res.Verdict.IsFailure() {
				n := failures.Add(1)
				if r.cfg.MaxFailures > 0 && n >= int64(r.cfg.MaxFailures) &&
					maxFailuresHit.CompareAndSwap(false, true) {
					log.WithField("max_failures", r.cfg.MaxFailures).
						Warn("Failure limit reached, stopping run")
					cancel()
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return false, fmt.Errorf("recording results: %w", err)
	}

	return maxFailuresHit.Load(), nil
}

func logResult(log logrus.FieldLogger, res *executor.Result) {
	entry := log.WithFields(logrus.Fields{
		"test":     res.Test.ID(),
		"verdict":  res.Verdict.String(),
		"duration": res.Duration.Round(time.Millisecond),
	})

	if res.Executed {
		entry = entry.WithField("exit_code", res.ExitCode)
	}

	if res.Verdict.IsFailure() {
		entry.Warn("Test failed")

		return
	}

	entry.Info("Test finished")
}

// upload publishes the run directory and index. Errors are logged; the
// local artifacts remain authoritative.
func (r *runner) upload(ctx context.Context, runDir string, log logrus.FieldLogger) {
	if r.uploader == nil {
		return
	}

	if err := r.uploader.Upload(ctx, runDir); err != nil {
		log.WithError(err).Error("Failed to upload run")

		return
	}

	data, err := os.ReadFile(filepath.Join(r.cfg.ResultsDir, results.IndexFile))
	if err != nil {
		log.WithError(err).Warn("Failed to read index for upload")

		return
	}

	if err := r.uploader.UploadIndex(ctx, data); err != nil {
		log.WithError(err).Error("Failed to upload index")
	}
}

// record stores the run in the history database.
func (r *runner) record(
	ctx context.Context,
	runCfg *results.RunConfig,
	result *results.RunResult,
	log logrus.FieldLogger,
) {
	if r.store == nil {
		return
	}

	if err := r.store.UpsertRun(ctx, store.NewRun(runCfg)); err != nil {
		log.WithError(err).Error("Failed to record run")

		return
	}

	if err := r.store.SaveTestResults(ctx, runCfg.RunID, store.NewTestResults(result)); err != nil {
		log.WithError(err).Error("Failed to record test results")
	}
}

func failing(result *results.RunResult) []string {
	ids := make([]string, 0, 8)

	for _, rec := range result.Sorted() {
		if verdict.Verdict(rec.Verdict).IsFailure() {
			ids = append(ids, rec.ID)
		}
	}

	return ids
}

// SuiteHash hashes test IDs and file contents in ID order.
func SuiteHash(tests []discovery.TestCase) (string, error) {
	sorted := append([]discovery.TestCase(nil), tests...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })

	h := blake3.New()

	for _, tc := range sorted {
		_, _ = io.WriteString(h, tc.ID())
		_, _ = h.Write([]byte{0})

		if err := hashFile(h, tc.Path()); err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(h.Sum(nil))[:suiteHashLen], nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("test file %s disappeared: %w", path, err)
		}

		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	return nil
}
