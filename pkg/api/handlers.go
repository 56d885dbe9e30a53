package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"

	"github.com/ethpandaops/dotestoor/pkg/store"
	"github.com/ethpandaops/dotestoor/pkg/verdict"
	"github.com/go-chi/chi/v5"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// parseLimit reads ?limit=, falling back to def and capping at maxListLimit.
func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}

	return min(n, maxListLimit), nil
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRuns returns runs newest first.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing runs: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs": runs,
	})
}

// handleGetRun returns a single run.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

			return
		}

		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"getting run: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleListTests returns the per-test results of a run, optionally
// filtered by ?verdict=.
func (s *server) handleListTests(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	var filter string

	if raw := r.URL.Query().Get("verdict"); raw != "" {
		v, err := verdict.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

			return
		}

		filter = v.String()
	}

	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

			return
		}

		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"getting run: " + err.Error()})

		return
	}

	tests, err := s.store.ListTestResults(r.Context(), runID, filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing tests: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"tests":  tests,
	})
}

// handleTestHistory returns the verdicts of one test across runs, newest
// first. The test ID is the wildcard remainder of the path.
func (s *server) handleTestHistory(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "*")
	if testID == "" || path.Clean(testID) != testID {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid test id"})

		return
	}

	limit, err := parseLimit(r, defaultListLimit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	history, err := s.store.TestHistory(r.Context(), testID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"loading history: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"test_id": testID,
		"history": history,
	})
}

// handleTranscript serves the transcript of one test of a run.
func (s *server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	testID := chi.URLParam(r, "*")

	if err := s.transcripts.ServeTranscript(w, r, runID, testID); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	}
}
