package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/volley/internal/config"
	"github.com/seantiz/volley/internal/model"
	"github.com/seantiz/volley/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// statusCodesResponse is the JSON response for GET /v1/runs/{id}/status-codes.
type statusCodesResponse struct {
	RunID  string              `json:"run_id"`
	Counts []model.StatusCount `json:"counts"`
}

// handleCreateRun accepts a run definition and starts it asynchronously. The
// request field carries the raw request text.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req config.RunFile
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		runSubmissionsTotal.WithLabelValues(submitInvalid).Inc()
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		runSubmissionsTotal.WithLabelValues(submitInvalid).Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run := req.NewRun()
	if err := s.engine.Submit(r.Context(), run); err != nil {
		runSubmissionsTotal.WithLabelValues(submitFailed).Inc()
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}
	runSubmissionsTotal.WithLabelValues(submitAccepted).Inc()

	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetStatusCodes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run for status codes", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	counts, err := s.store.GetStatusCounts(r.Context(), id)
	if err != nil {
		s.logger.Error("get status counts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get status codes")
		return
	}

	s.writeJSON(w, http.StatusOK, statusCodesResponse{RunID: id, Counts: counts})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return defaultVal
	}
	return v
}
