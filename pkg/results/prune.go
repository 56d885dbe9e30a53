package results

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PruneOptions selects which run directories are stale.
type PruneOptions struct {
	// Keep retains the newest Keep runs. Zero keeps all.
	Keep int
	// OlderThan marks runs started before now-OlderThan. Zero disables.
	OlderThan time.Duration
	// Broken marks run directories without a readable config.json.
	Broken bool
	// Now is the reference time. Zero means time.Now().
	Now time.Time
}

// StaleRun is a run directory selected for removal.
type StaleRun struct {
	RunID  string
	Dir    string
	Reason string
}

// FindStaleRuns lists the run directories under resultsDir matching opts.
// Runs still marked running are never selected.
func FindStaleRuns(resultsDir string, opts PruneOptions) ([]StaleRun, error) {
	runsDir := filepath.Join(resultsDir, RunsDir)

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	index, err := GenerateIndex(resultsDir)
	if err != nil {
		return nil, err
	}

	stale := make([]StaleRun, 0)
	seen := make(map[string]struct{}, len(index.Entries))

	// Entries are newest first.
	for i, e := range index.Entries {
		seen[e.RunID] = struct{}{}

		if e.Status == StatusRunning {
			continue
		}

		var reason string

		switch {
		case opts.Keep > 0 && i >= opts.Keep:
			reason = fmt.Sprintf("beyond newest %d runs", opts.Keep)
		case opts.OlderThan > 0 && time.Unix(e.Timestamp, 0).Before(now.Add(-opts.OlderThan)):
			reason = "older than " + opts.OlderThan.String()
		default:
			continue
		}

		stale = append(stale, StaleRun{
			RunID:  e.RunID,
			Dir:    filepath.Join(runsDir, e.RunID),
			Reason: reason,
		})
	}

	if !opts.Broken {
		return stale, nil
	}

	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return stale, nil
		}

		return nil, fmt.Errorf("reading runs directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		if _, ok := seen[entry.Name()]; ok {
			continue
		}

		stale = append(stale, StaleRun{
			RunID:  entry.Name(),
			Dir:    filepath.Join(runsDir, entry.Name()),
			Reason: "missing " + ConfigFile,
		})
	}

	return stale, nil
}

// RemoveRuns deletes the given run directories. It stops at the first error.
func RemoveRuns(runs []StaleRun) error {
	for _, r := range runs {
		if err := os.RemoveAll(r.Dir); err != nil {
			return fmt.Errorf("removing run %s: %w", r.RunID, err)
		}
	}

	return nil
}
