package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ethpandaops/dotestoor/pkg/fsutil"
)

// Index contains the aggregated index of all runs.
type Index struct {
	Generated int64         `json:"generated"`
	Entries   []*IndexEntry `json:"entries"`
}

// IndexEntry contains summary information for a single run.
type IndexEntry struct {
	RunID             string      `json:"run_id"`
	Timestamp         int64       `json:"timestamp"`
	TimestampEnd      int64       `json:"timestamp_end,omitempty"`
	SuiteHash         string      `json:"suite_hash,omitempty"`
	SourceDir         string      `json:"source_dir,omitempty"`
	Status            string      `json:"status,omitempty"`
	TerminationReason string      `json:"termination_reason,omitempty"`
	Tests             *TestCounts `json:"tests"`
}

// GenerateIndex scans the results directory and builds an index from all
// runs, newest first. Runs without a readable config.json are skipped.
func GenerateIndex(resultsDir string) (*Index, error) {
	runsDir := filepath.Join(resultsDir, RunsDir)

	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Index{
				Generated: time.Now().Unix(),
				Entries:   make([]*IndexEntry, 0),
			}, nil
		}

		return nil, fmt.Errorf("reading runs directory: %w", err)
	}

	indexEntries := make([]*IndexEntry, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		indexEntry, err := buildIndexEntry(filepath.Join(runsDir, entry.Name()), entry.Name())
		if err != nil {
			continue
		}

		indexEntries = append(indexEntries, indexEntry)
	}

	sort.SliceStable(indexEntries, func(i, j int) bool {
		if indexEntries[i].Timestamp != indexEntries[j].Timestamp {
			return indexEntries[i].Timestamp > indexEntries[j].Timestamp
		}

		// ULIDs sort by creation time.
		return indexEntries[i].RunID > indexEntries[j].RunID
	})

	return &Index{
		Generated: time.Now().Unix(),
		Entries:   indexEntries,
	}, nil
}

// buildIndexEntry creates an index entry from a single run directory.
func buildIndexEntry(runDir, runID string) (*IndexEntry, error) {
	cfg, err := ReadRunConfig(runDir)
	if err != nil {
		return nil, err
	}

	entry := &IndexEntry{
		RunID:             runID,
		Timestamp:         cfg.Timestamp,
		TimestampEnd:      cfg.TimestampEnd,
		SuiteHash:         cfg.SuiteHash,
		Status:            cfg.Status,
		TerminationReason: cfg.TerminationReason,
		Tests:             cfg.TestCounts,
	}

	if cfg.Suite != nil {
		entry.SourceDir = cfg.Suite.SourceDir
	}

	// Crashed runs never wrote counts; fall back to result.json.
	if entry.Tests == nil {
		if result, err := ReadRunResult(runDir); err == nil {
			entry.Tests = result.Counts()
		} else {
			entry.Tests = &TestCounts{Verdicts: map[string]int{}}
		}
	}

	return entry, nil
}

// WriteIndex writes index.json to the results directory.
func WriteIndex(resultsDir string, index *Index, owner *fsutil.OwnerConfig) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling index: %w", err)
	}

	if err := fsutil.WriteFile(filepath.Join(resultsDir, IndexFile), data, 0644, owner); err != nil {
		return fmt.Errorf("writing %s: %w", IndexFile, err)
	}

	return nil
}

// RegenerateIndex rebuilds and writes index.json.
func RegenerateIndex(resultsDir string, owner *fsutil.OwnerConfig) (*Index, error) {
	index, err := GenerateIndex(resultsDir)
	if err != nil {
		return nil, err
	}

	if err := WriteIndex(resultsDir, index, owner); err != nil {
		return nil, err
	}

	return index, nil
}
