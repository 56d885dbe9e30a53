package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethpandaops/dotestoor/pkg/results"
)

// ImportRuns loads every run under resultsDir/runs into st. Runs without a
// config.json are skipped; a missing result.json imports the run with no
// tests. It returns the number of runs imported.
func ImportRuns(ctx context.Context, st Store, resultsDir string) (int, error) {
	runsDir := filepath.Join(resultsDir, results.RunsDir)

	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("reading runs directory: %w", err)
	}

	var imported int

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		if err := ctx.Err(); err != nil {
			return imported, err
		}

		runDir := filepath.Join(runsDir, entry.Name())

		cfg, err := results.ReadRunConfig(runDir)
		if err != nil {
			continue
		}

		result, err := results.ReadRunResult(runDir)
		if err != nil {
			result = &results.RunResult{RunID: cfg.RunID, Tests: map[string]*results.TestRecord{}}
		}

		if result.RunID == "" {
			result.RunID = cfg.RunID
		}

		if cfg.TestCounts == nil {
			cfg.TestCounts = result.Counts()
		}

		if err := st.UpsertRun(ctx, NewRun(cfg)); err != nil {
			return imported, fmt.Errorf("importing run %s: %w", cfg.RunID, err)
		}

		if err := st.SaveTestResults(ctx, cfg.RunID, NewTestResults(result)); err != nil {
			return imported, fmt.Errorf("importing tests of run %s: %w", cfg.RunID, err)
		}

		imported++
	}

	return imported, nil
}
