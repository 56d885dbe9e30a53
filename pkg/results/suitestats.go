package results

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/ethpandaops/dotestoor/pkg/fsutil"
)

const (
	// SuitesDir holds per-suite aggregates under the results directory.
	SuitesDir = "suites"
	// StatsFile is the per-suite stats file name.
	StatsFile = "stats.json"
)

// SuiteStats aggregates the verdicts of every run sharing a suite hash.
type SuiteStats struct {
	SuiteHash string                `json:"suite_hash"`
	Runs      []string              `json:"runs"`
	Tests     map[string]*TestStats `json:"tests"`
}

// TestStats is the verdict history of one test within a suite.
type TestStats struct {
	Runs          int            `json:"runs"`
	Verdicts      map[string]int `json:"verdicts"`
	LastVerdict   string         `json:"last_verdict"`
	LastRunID     string         `json:"last_run_id"`
	Flaky         bool           `json:"flaky"`
	AvgDurationNS int64          `json:"avg_duration_ns"`
}

// GenerateSuiteStats groups all runs with a suite hash and a result.json
// by hash. Runs are folded oldest first so Last* fields track the newest run.
func GenerateSuiteStats(resultsDir string) (map[string]*SuiteStats, error) {
	index, err := GenerateIndex(resultsDir)
	if err != nil {
		return nil, err
	}

	stats := make(map[string]*SuiteStats)

	for i := len(index.Entries) - 1; i >= 0; i-- {
		entry := index.Entries[i]
		if entry.SuiteHash == "" {
			continue
		}

		result, err := ReadRunResult(filepath.Join(resultsDir, RunsDir, entry.RunID))
		if err != nil {
			continue
		}

		s, ok := stats[entry.SuiteHash]
		if !ok {
			s = &SuiteStats{
				SuiteHash: entry.SuiteHash,
				Runs:      make([]string, 0),
				Tests:     make(map[string]*TestStats),
			}
			stats[entry.SuiteHash] = s
		}

		s.Runs = append(s.Runs, entry.RunID)

		for _, rec := range result.Sorted() {
			s.add(entry.RunID, rec)
		}
	}

	for _, s := range stats {
		// Newest first, like the index.
		slices.Reverse(s.Runs)
	}

	return stats, nil
}

func (s *SuiteStats) add(runID string, rec *TestRecord) {
	ts, ok := s.Tests[rec.ID]
	if !ok {
		ts = &TestStats{Verdicts: make(map[string]int)}
		s.Tests[rec.ID] = ts
	}

	ts.AvgDurationNS = (ts.AvgDurationNS*int64(ts.Runs) + rec.DurationNS) / int64(ts.Runs+1)
	ts.Runs++
	ts.Verdicts[rec.Verdict]++
	ts.LastVerdict = rec.Verdict
	ts.LastRunID = runID
	ts.Flaky = len(ts.Verdicts) > 1
}

// WriteSuiteStats writes suites/<hash>/stats.json for every suite.
func WriteSuiteStats(resultsDir string, stats map[string]*SuiteStats, owner *fsutil.OwnerConfig) error {
	for hash, s := range stats {
		dir := filepath.Join(resultsDir, SuitesDir, hash)
		if err := fsutil.MkdirAll(dir, 0755, owner); err != nil {
			return fmt.Errorf("creating suite directory: %w", err)
		}

		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling stats for suite %s: %w", hash, err)
		}

		if err := fsutil.WriteFile(filepath.Join(dir, StatsFile), data, 0644, owner); err != nil {
			return fmt.Errorf("writing stats for suite %s: %w", hash, err)
		}
	}

	return nil
}
