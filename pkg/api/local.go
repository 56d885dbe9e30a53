package api

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ethpandaops/dotestoor/pkg/results"
	"github.com/sirupsen/logrus"
)

// transcriptServer serves test transcripts from the local results
// directory: <resultsDir>/runs/<runID>/tests/<testID>.log.
type transcriptServer struct {
	log  logrus.FieldLogger
	root string
}

func newTranscriptServer(log logrus.FieldLogger, resultsDir string) *transcriptServer {
	return &transcriptServer{
		log:  log.WithField("component", "transcripts"),
		root: filepath.Clean(resultsDir),
	}
}

// ServeTranscript locates the transcript and serves it as plain text.
// Returns an error when the path is disallowed or missing.
func (t *transcriptServer) ServeTranscript(
	w http.ResponseWriter,
	r *http.Request,
	runID, testID string,
) error {
	if !isAllowedPath(runID) || strings.Contains(runID, "/") || !isAllowedPath(testID) {
		return fmt.Errorf("path %q is not allowed", runID+"/"+testID)
	}

	full := filepath.Join(t.root, results.RunsDir, runID, results.TestsDir,
		filepath.FromSlash(testID)+".log")

	// Ensure the resolved path stays under root.
	if !strings.HasPrefix(full, t.root+string(filepath.Separator)) {
		return fmt.Errorf("path %q is not allowed", testID)
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return fmt.Errorf("transcript %q not found in run %q", testID, runID)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeFile(w, r, full)

	return nil
}

// isAllowedPath rejects empty, absolute, unclean, or traversal request paths.
func isAllowedPath(p string) bool {
	if p == "" {
		return false
	}

	if strings.Contains(p, "..") {
		return false
	}

	if strings.HasPrefix(p, "/") || filepath.IsAbs(p) {
		return false
	}

	// Ensure the path is clean (no double slashes, trailing slashes, etc.).
	return path.Clean(p) == p
}
