package results

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staleIDs(runs []StaleRun) []string {
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.RunID)
	}

	return ids
}

func TestFindStaleRuns(t *testing.T) {
	now := time.Unix(1700100000, 0)

	dir := t.TempDir()
	writeRun(t, dir, "run-a", &RunConfig{RunID: "run-a", Timestamp: now.Add(-72 * time.Hour).Unix(), Status: StatusCompleted})
	writeRun(t, dir, "run-b", &RunConfig{RunID: "run-b", Timestamp: now.Add(-48 * time.Hour).Unix(), Status: StatusInterrupted})
	writeRun(t, dir, "run-c", &RunConfig{RunID: "run-c", Timestamp: now.Add(-24 * time.Hour).Unix(), Status: StatusRunning})
	writeRun(t, dir, "run-d", &RunConfig{RunID: "run-d", Timestamp: now.Add(-time.Hour).Unix(), Status: StatusCompleted})
	writeRun(t, dir, "broken", nil)

	tests := []struct {
		name string
		opts PruneOptions
		want []string
	}{
		{
			name: "nothing selected",
			opts: PruneOptions{Now: now},
			want: []string{},
		},
		{
			name: "keep newest two",
			opts: PruneOptions{Keep: 2, Now: now},
			want: []string{"run-b", "run-a"},
		},
		{
			name: "running run is never selected",
			opts: PruneOptions{Keep: 1, Now: now},
			want: []string{"run-b", "run-a"},
		},
		{
			name: "older than",
			opts: PruneOptions{OlderThan: 36 * time.Hour, Now: now},
			want: []string{"run-b", "run-a"},
		},
		{
			name: "broken only",
			opts: PruneOptions{Broken: true, Now: now},
			want: []string{"broken"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stale, err := FindStaleRuns(dir, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, staleIDs(stale))
		})
	}
}

func TestFindStaleRuns_MissingDir(t *testing.T) {
	stale, err := FindStaleRuns(filepath.Join(t.TempDir(), "nope"), PruneOptions{Keep: 1, Broken: true})
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestRemoveRuns(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, "old", &RunConfig{RunID: "old", Timestamp: 1, Status: StatusCompleted})
	writeRun(t, dir, "new", &RunConfig{RunID: "new", Timestamp: 2, Status: StatusCompleted})

	stale, err := FindStaleRuns(dir, PruneOptions{Keep: 1})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Contains(t, stale[0].Reason, "newest 1")

	require.NoError(t, RemoveRuns(stale))

	_, err = os.Stat(filepath.Join(dir, RunsDir, "old"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(dir, RunsDir, "new"))
	assert.NoError(t, err)
}
