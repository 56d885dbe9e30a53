// Package results lays out run artifacts on disk:
//
//	results_dir/index.json
//	results_dir/runs/<run_id>/config.json
//	results_dir/runs/<run_id>/result.json
//	results_dir/runs/<run_id>/summary.md
//	results_dir/runs/<run_id>/junit.xml
//	results_dir/runs/<run_id>/tests/<test_id>.log
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ethpandaops/dotestoor/pkg/config"
	"github.com/ethpandaops/dotestoor/pkg/executor"
	"github.com/ethpandaops/dotestoor/pkg/fsutil"
	"github.com/ethpandaops/dotestoor/pkg/sysinfo"
	"github.com/ethpandaops/dotestoor/pkg/verdict"
)

// Run status values.
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
)

// File names inside a run directory.
const (
	ConfigFile  = "config.json"
	ResultFile  = "result.json"
	SummaryFile = "summary.md"
	JUnitFile   = "junit.xml"
	TestsDir    = "tests"
	IndexFile   = "index.json"
	RunsDir     = "runs"
)

// RunConfig is the content of config.json.
type RunConfig struct {
	RunID             string              `json:"run_id"`
	Timestamp         int64               `json:"timestamp"`
	TimestampEnd      int64               `json:"timestamp_end,omitempty"`
	SuiteHash         string              `json:"suite_hash,omitempty"`
	Status            string              `json:"status"`
	TerminationReason string              `json:"termination_reason,omitempty"`
	Version           string              `json:"version,omitempty"`
	System            *sysinfo.SystemInfo `json:"system,omitempty"`
	Suite             *config.SuiteConfig `json:"suite,omitempty"`
	TestCounts        *TestCounts         `json:"test_counts,omitempty"`
}

// TestCounts aggregates verdicts of a run.
type TestCounts struct {
	Total    int            `json:"total"`
	Failures int            `json:"failures"`
	Verdicts map[string]int `json:"verdicts"`
}

// Add counts one verdict.
func (c *TestCounts) Add(v verdict.Verdict) {
	if c.Verdicts == nil {
		c.Verdicts = make(map[string]int, len(verdict.All))
	}

	c.Total++
	c.Verdicts[v.String()]++

	if v.IsFailure() {
		c.Failures++
	}
}

// TestRecord is the result.json entry of one test.
type TestRecord struct {
	ID         string `json:"id"`
	Verdict    string `json:"verdict"`
	ExitCode   int    `json:"exit_code"`
	DurationNS int64  `json:"duration_ns"`
	StartedAt  int64  `json:"started_at"`
	Executed   bool   `json:"executed"`
	Rule       string `json:"rule,omitempty"`
	LogFile    string `json:"log_file"`
}

// RunResult is the content of result.json.
type RunResult struct {
	RunID string                 `json:"run_id"`
	Tests map[string]*TestRecord `json:"tests"`
}

// Counts aggregates the verdicts in the result.
func (r *RunResult) Counts() *TestCounts {
	counts := &TestCounts{Verdicts: make(map[string]int, len(verdict.All))}

	for _, t := range r.Tests {
		counts.Add(verdict.Verdict(t.Verdict))
	}

	return counts
}

// Sorted returns the records ordered by test ID.
func (r *RunResult) Sorted() []*TestRecord {
	out := make([]*TestRecord, 0, len(r.Tests))
	for _, t := range r.Tests {
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})

	return out
}

// NewTestRecord converts an executor result.
func NewTestRecord(res *executor.Result) *TestRecord {
	id := res.Test.ID()

	return &TestRecord{
		ID:         id,
		Verdict:    res.Verdict.String(),
		ExitCode:   res.ExitCode,
		DurationNS: res.Duration.Nanoseconds(),
		StartedAt:  res.StartedAt.Unix(),
		Executed:   res.Executed,
		Rule:       res.Rule,
		LogFile:    filepath.ToSlash(filepath.Join(TestsDir, id+".log")),
	}
}

// Writer writes the artifacts of a single run. It is safe for concurrent
// use by test workers.
type Writer struct {
	resultsDir string
	runDir     string
	owner      *fsutil.OwnerConfig

	mu     sync.Mutex
	result *RunResult
}

// NewWriter creates the run directory for runID.
func NewWriter(resultsDir, runID string, owner *fsutil.OwnerConfig) (*Writer, error) {
	runDir := filepath.Join(resultsDir, RunsDir, runID)

	if err := fsutil.MkdirAll(filepath.Join(runDir, TestsDir), 0755, owner); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	return &Writer{
		resultsDir: resultsDir,
		runDir:     runDir,
		owner:      owner,
		result: &RunResult{
			RunID: runID,
			Tests: make(map[string]*TestRecord, 64),
		},
	}, nil
}

// RunDir returns the run directory.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteTest stores the transcript of one test and records its verdict.
func (w *Writer) WriteTest(res *executor.Result) error {
	record := NewTestRecord(res)

	logPath := filepath.Join(w.runDir, filepath.FromSlash(record.LogFile))
	if err := fsutil.WriteFile(logPath, []byte(res.Output), 0644, w.owner); err != nil {
		return fmt.Errorf("writing transcript for %s: %w", record.ID, err)
	}

	w.mu.Lock()
	w.result.Tests[record.ID] = record
	w.mu.Unlock()

	return nil
}

// Result returns a snapshot of the recorded tests.
func (w *Writer) Result() *RunResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	snapshot := &RunResult{
		RunID: w.result.RunID,
		Tests: make(map[string]*TestRecord, len(w.result.Tests)),
	}

	for id, rec := range w.result.Tests {
		copied := *rec
		snapshot.Tests[id] = &copied
	}

	return snapshot
}

// WriteConfig writes config.json. It is called when the run starts and again
// when it finishes.
func (w *Writer) WriteConfig(cfg *RunConfig) error {
	return w.writeJSON(ConfigFile, cfg)
}

// Finish writes result.json, junit.xml, the final config.json and
// summary.md.
func (w *Writer) Finish(cfg *RunConfig, maxSummaryChars int) error {
	result := w.Result()
	cfg.TestCounts = result.Counts()

	if err := w.writeJSON(ResultFile, result); err != nil {
		return err
	}

	junit, err := GenerateJUnit(result)
	if err != nil {
		return fmt.Errorf("generating junit report: %w", err)
	}

	if err := fsutil.WriteFile(filepath.Join(w.runDir, JUnitFile), junit, 0644, w.owner); err != nil {
		return fmt.Errorf("writing %s: %w", JUnitFile, err)
	}

	if err := w.WriteConfig(cfg); err != nil {
		return err
	}

	md, err := GenerateRunMarkdown(w.runDir, result.RunID, maxSummaryChars)
	if err != nil {
		return fmt.Errorf("generating summary: %w", err)
	}

	if err := fsutil.WriteFile(filepath.Join(w.runDir, SummaryFile), []byte(md), 0644, w.owner); err != nil {
		return fmt.Errorf("writing %s: %w", SummaryFile, err)
	}

	return nil
}

func (w *Writer) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}

	if err := fsutil.WriteFile(filepath.Join(w.runDir, name), data, 0644, w.owner); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}

	return nil
}

// ReadRunConfig parses config.json from a run directory.
func ReadRunConfig(runDir string) (*RunConfig, error) {
	data, err := os.ReadFile(filepath.Join(runDir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ConfigFile, err)
	}

	var cfg RunConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ConfigFile, err)
	}

	return &cfg, nil
}

// ReadRunResult parses result.json from a run directory.
func ReadRunResult(runDir string) (*RunResult, error) {
	data, err := os.ReadFile(filepath.Join(runDir, ResultFile))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ResultFile, err)
	}

	var result RunResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ResultFile, err)
	}

	if result.Tests == nil {
		result.Tests = make(map[string]*TestRecord)
	}

	return &result, nil
}
