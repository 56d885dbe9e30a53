package store_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/dotestoor/pkg/config"
	"github.com/ethpandaops/dotestoor/pkg/discovery"
	"github.com/ethpandaops/dotestoor/pkg/executor"
	"github.com/ethpandaops/dotestoor/pkg/results"
	"github.com/ethpandaops/dotestoor/pkg/store"
	"github.com/ethpandaops/dotestoor/pkg/verdict"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Enabled: true,
		Driver:  "sqlite",
		SQLite:  config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func TestStore_UpsertAndListRuns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, s.UpsertRun(ctx, &store.Run{
			RunID:     fmt.Sprintf("run-%d", i),
			Timestamp: int64(1700000000 + i),
			Status:    "completed",
		}))
	}

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-2", runs[0].RunID)
	assert.Equal(t, "run-0", runs[2].RunID)

	limited, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStore_UpsertRunIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRun(ctx, &store.Run{RunID: "run-1", Status: "running"}))
	require.NoError(t, s.UpsertRun(ctx, &store.Run{RunID: "run-1", Status: "completed", TestsTotal: 4}))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, 4, run.TestsTotal)
}

func TestStore_GetRunNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_SaveAndListTestResults(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	records := []*store.TestResult{
		{TestID: "lang/TestB.py", Verdict: "FAIL", ExitCode: 1},
		{TestID: "lang/TestA.py", Verdict: "PASS"},
		{TestID: "commands/TestC.py", Verdict: "FAIL", ExitCode: 1},
	}

	require.NoError(t, s.SaveTestResults(ctx, "run-1", records))

	all, err := s.ListTestResults(ctx, "run-1", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "commands/TestC.py", all[0].TestID)
	assert.Equal(t, "run-1", all[0].RunID)

	failed, err := s.ListTestResults(ctx, "run-1", "FAIL")
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	// Saving again replaces rather than duplicates.
	require.NoError(t, s.SaveTestResults(ctx, "run-1", []*store.TestResult{
		{TestID: "lang/TestA.py", Verdict: "PASS"},
	}))

	all, err = s.ListTestResults(ctx, "run-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_SaveTestResultsLargeBatch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	records := make([]*store.TestResult, 0, 250)
	for i := range 250 {
		records = append(records, &store.TestResult{
			TestID:  fmt.Sprintf("suite/Test%03d.py", i),
			Verdict: "PASS",
		})
	}

	require.NoError(t, s.SaveTestResults(ctx, "run-big", records))

	all, err := s.ListTestResults(ctx, "run-big", "PASS")
	require.NoError(t, err)
	assert.Len(t, all, 250)
}

func TestStore_TestHistory(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i, v := range []string{"PASS", "FAIL", "TIMEOUT"} {
		runID := fmt.Sprintf("run-%d", i)

		require.NoError(t, s.SaveTestResults(ctx, runID, []*store.TestResult{
			{TestID: "commands/TestStaticInitializers.py", Verdict: v, StartedAt: int64(1700000000 + i)},
			{TestID: "commands/TestOther.py", Verdict: "PASS", StartedAt: int64(1700000000 + i)},
		}))
	}

	history, err := s.TestHistory(ctx, "commands/TestStaticInitializers.py", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "TIMEOUT", history[0].Verdict)
	assert.Equal(t, "PASS", history[2].Verdict)

	limited, err := s.TestHistory(ctx, "commands/TestStaticInitializers.py", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "run-2", limited[0].RunID)
}

func TestNewRunAndTestResults(t *testing.T) {
	cfg := &results.RunConfig{
		RunID:     "run-1",
		Timestamp: 1700000000,
		Status:    results.StatusCompleted,
		Suite:     &config.SuiteConfig{SourceDir: "/suite"},
		TestCounts: &results.TestCounts{
			Total:    3,
			Failures: 1,
			Verdicts: map[string]int{"PASS": 1, "UNSUPPORTED": 1, "XPASS": 1},
		},
	}

	run := store.NewRun(cfg)
	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, "/suite", run.SourceDir)
	assert.Equal(t, 3, run.TestsTotal)
	assert.Equal(t, 1, run.XPassed)
	assert.Equal(t, 1, run.Unsupported)
	assert.Equal(t, 0, run.Failed)

	rr := &results.RunResult{
		RunID: "run-1",
		Tests: map[string]*results.TestRecord{
			"b/TestB.py": {ID: "b/TestB.py", Verdict: "PASS"},
			"a/TestA.py": {ID: "a/TestA.py", Verdict: "XPASS", ExitCode: 1},
		},
	}

	records := store.NewTestResults(rr)
	require.Len(t, records, 2)
	assert.Equal(t, "a/TestA.py", records[0].TestID)
	assert.Equal(t, "run-1", records[0].RunID)
	assert.Equal(t, 1, records[0].ExitCode)
}

func TestImportRuns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	resultsDir := t.TempDir()

	for i, v := range []verdict.Verdict{verdict.Pass, verdict.Timeout} {
		runID := fmt.Sprintf("run-%d", i)

		w, err := results.NewWriter(resultsDir, runID, nil)
		require.NoError(t, err)

		require.NoError(t, w.WriteTest(&executor.Result{
			Test:      discovery.TestCase{RelDir: "lang", Name: "TestA.py"},
			Verdict:   v,
			Output:    "Script:\n",
			StartedAt: time.Unix(int64(1700000000+i), 0),
			Executed:  true,
		}))

		require.NoError(t, w.Finish(&results.RunConfig{
			RunID:     runID,
			Timestamp: int64(1700000000 + i),
			Status:    results.StatusCompleted,
		}, 0))
	}

	// A directory without config.json is ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(resultsDir, results.RunsDir, "partial"), 0o755))

	n, err := store.ImportRuns(ctx, s, resultsDir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, run.TimedOut)
	assert.Equal(t, 1, run.TestsFailures)

	history, err := s.TestHistory(ctx, "lang/TestA.py", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "TIMEOUT", history[0].Verdict)

	// Importing again is idempotent.
	n, err = store.ImportRuns(ctx, s, resultsDir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestImportRuns_ReimportUpdatesStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	resultsDir := t.TempDir()

	w, err := results.NewWriter(resultsDir, "run-live", nil)
	require.NoError(t, err)

	require.NoError(t, w.WriteTest(&executor.Result{
		Test:      discovery.TestCase{RelDir: "lang", Name: "TestA.py"},
		Verdict:   verdict.Pass,
		StartedAt: time.Unix(1700000000, 0),
		Executed:  true,
	}))

	require.NoError(t, w.Finish(&results.RunConfig{
		RunID:     "run-live",
		Timestamp: 1700000000,
		Status:    results.StatusRunning,
	}, 0))

	_, err = store.ImportRuns(ctx, s, resultsDir)
	require.NoError(t, err)

	run, err := s.GetRun(ctx, "run-live")
	require.NoError(t, err)
	assert.Equal(t, results.StatusRunning, run.Status)

	require.NoError(t, w.Finish(&results.RunConfig{
		RunID:        "run-live",
		Timestamp:    1700000000,
		TimestampEnd: 1700000030,
		Status:       results.StatusCompleted,
	}, 0))

	_, err = store.ImportRuns(ctx, s, resultsDir)
	require.NoError(t, err)

	run, err = s.GetRun(ctx, "run-live")
	require.NoError(t, err)
	assert.Equal(t, results.StatusCompleted, run.Status)
	assert.Equal(t, int64(1700000030), run.TimestampEnd)
	assert.Equal(t, 1, run.TestsTotal)

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestImportRuns_MissingDir(t *testing.T) {
	s := setupTestStore(t)

	n, err := store.ImportRuns(context.Background(), s, filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)
	assert.Zero(t, n)
}
