package upload

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/ethpandaops/dotestoor/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePrefix(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		runID  string
		want   string
	}{
		{
			name:   "default prefix",
			prefix: "",
			runID:  "01HRZ5R8J6ZK3W5M9XQ2T4V7YB",
			want:   "results/runs/01HRZ5R8J6ZK3W5M9XQ2T4V7YB",
		},
		{
			name:   "custom prefix",
			prefix: "lldb/api-tests",
			runID:  "run123",
			want:   "lldb/api-tests/runs/run123",
		},
		{
			name:   "slashes trimmed",
			prefix: "/my-prefix/",
			runID:  "run123",
			want:   "my-prefix/runs/run123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &s3Uploader{
				cfg: &config.S3UploadConfig{Prefix: tt.prefix},
			}
			assert.Equal(t, tt.want, u.resolvePrefix(tt.runID))
		})
	}
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantPrefix string
	}{
		{name: "json file", path: "runs/x/config.json", wantPrefix: "application/json"},
		{name: "xml file", path: "runs/x/junit.xml", wantPrefix: "xml"},
		{name: "transcript", path: "runs/x/tests/TestA.py.log", wantPrefix: "text/plain"},
		{name: "summary", path: "runs/x/summary.md", wantPrefix: "text/plain"},
		{name: "no extension", path: "runs/x/Makefile", wantPrefix: "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, detectContentType(tt.path), tt.wantPrefix)
		})
	}
}

func TestNewS3Uploader_RequiresBucket(t *testing.T) {
	_, err := NewS3Uploader(logrus.New(), &config.S3UploadConfig{})
	require.Error(t, err)
}

// fakeS3 records the keys of PUT and DELETE requests sent to a path-style
// endpoint, in arrival order.
type fakeS3 struct {
	mu      sync.Mutex
	puts    []string
	deletes []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)

	key := strings.TrimPrefix(r.URL.Path, "/bucket/")

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		f.puts = append(f.puts, key)
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		f.deletes = append(f.deletes, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestUpload_FakeEndpoint(t *testing.T) {
	fake := &fakeS3{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	runDir := filepath.Join(t.TempDir(), "01HRUN")
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "tests", "lang"), 0755))

	for name, content := range map[string]string{
		"config.json":                 "{}",
		"result.json":                 "{}",
		"summary.md":                  "# Run",
		"tests/lang/TestA.py.log":     "Script:",
		"tests/lang/TestB.py.log":     "Script:",
		"tests/commands/TestC.py.log": "Script:",
	} {
		p := filepath.Join(runDir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	u, err := NewS3Uploader(log, &config.S3UploadConfig{
		Enabled:         true,
		EndpointURL:     srv.URL,
		Bucket:          "bucket",
		Prefix:          "ci",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		ForcePathStyle:  true,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, u.Preflight(ctx))
	require.NoError(t, u.Upload(ctx, runDir))
	require.NoError(t, u.UploadIndex(ctx, []byte(`{"entries":[]}`)))

	fake.mu.Lock()
	puts := append([]string(nil), fake.puts...)
	deletes := append([]string(nil), fake.deletes...)
	fake.mu.Unlock()

	assert.Equal(t, []string{"ci/.dotestoor-write-test"}, deletes)

	// Probe first, index last; the run's metadata closes the run upload.
	require.Len(t, puts, 8)
	assert.Equal(t, "ci/.dotestoor-write-test", puts[0])
	assert.Equal(t, "ci/index.json", puts[7])
	assert.Equal(t, []string{
		"ci/runs/01HRUN/result.json",
		"ci/runs/01HRUN/summary.md",
		"ci/runs/01HRUN/config.json",
	}, puts[4:7])

	transcripts := append([]string(nil), puts[1:4]...)
	sort.Strings(transcripts)
	assert.Equal(t, []string{
		"ci/runs/01HRUN/tests/commands/TestC.py.log",
		"ci/runs/01HRUN/tests/lang/TestA.py.log",
		"ci/runs/01HRUN/tests/lang/TestB.py.log",
	}, transcripts)
}

func TestListRunFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tests", "a"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tests", "a", "TestX.py.log"), nil, 0644))

	files, err := listRunFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"config.json", "tests/a/TestX.py.log"}, files)
}
