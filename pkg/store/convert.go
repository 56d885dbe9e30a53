package store

import (
	"time"

	"github.com/ethpandaops/dotestoor/pkg/results"
	"github.com/ethpandaops/dotestoor/pkg/verdict"
)

// NewRun builds a Run record from a run's config.json content.
func NewRun(cfg *results.RunConfig) *Run {
	run := &Run{
		RunID:             cfg.RunID,
		Timestamp:         cfg.Timestamp,
		TimestampEnd:      cfg.TimestampEnd,
		SuiteHash:         cfg.SuiteHash,
		Status:            cfg.Status,
		TerminationReason: cfg.TerminationReason,
		Version:           cfg.Version,
		IndexedAt:         time.Now().UTC(),
	}

	if cfg.Suite != nil {
		run.SourceDir = cfg.Suite.SourceDir
	}

	if cfg.System != nil {
		run.Hostname = cfg.System.Hostname
	}

	if c := cfg.TestCounts; c != nil {
		run.TestsTotal = c.Total
		run.TestsFailures = c.Failures
		run.Passed = c.Verdicts[verdict.Pass.String()]
		run.Failed = c.Verdicts[verdict.Fail.String()]
		run.XPassed = c.Verdicts[verdict.XPass.String()]
		run.Unsupported = c.Verdicts[verdict.Unsupported.String()]
		run.Unresolved = c.Verdicts[verdict.Unresolved.String()]
		run.TimedOut = c.Verdicts[verdict.Timeout.String()]
	}

	return run
}

// NewTestResults builds TestResult records from result.json content,
// ordered by test ID.
func NewTestResults(result *results.RunResult) []*TestResult {
	records := result.Sorted()
	out := make([]*TestResult, 0, len(records))

	for _, r := range records {
		out = append(out, &TestResult{
			RunID:      result.RunID,
			TestID:     r.ID,
			Verdict:    r.Verdict,
			ExitCode:   r.ExitCode,
			DurationNS: r.DurationNS,
			StartedAt:  r.StartedAt,
			Executed:   r.Executed,
			Rule:       r.Rule,
		})
	}

	return out
}
