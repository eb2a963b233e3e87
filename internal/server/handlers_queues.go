package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/user/flowq/internal/store"
)

// @Summary List queues
// @Tags Queues
// @Produce json
// @Success 200 {array} store.QueueInfo
// @Router /queues [get]
func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.store.ListQueues()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	counts, err := s.store.GetJobCounts(name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	paused, err := s.store.IsPaused(name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, store.QueueInfo{Name: name, Paused: paused, Counts: counts})
}

// parseStates reads a comma separated state list. "wait" is accepted for
// waiting.
func parseStates(raw string) ([]store.State, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []store.State
	for _, part := range strings.Split(raw, ",") {
		st, ok := store.ParseState(strings.TrimSpace(part))
		if !ok {
			return nil, store.NewValidationError("unknown state " + part)
		}
		out = append(out, st)
	}
	return out, nil
}

// @Summary Job counts by state
// @Tags Queues
// @Param states query string false "Comma separated states"
// @Router /queues/{queue}/counts [get]
func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	states, err := parseStates(r.URL.Query().Get("states"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	counts, err := s.store.GetJobCounts(name, states...)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts, "total": total})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Pause(chi.URLParam(r, "queue")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Resume(chi.URLParam(r, "queue")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// @Summary Drain a queue
// @Description Removes waiting and prioritized jobs, and delayed jobs when delayed is true. Parents of removed children are resolved.
// @Tags Queues
// @Router /queues/{queue}/drain [post]
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delayed bool `json:"delayed"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	n, err := s.store.Drain(chi.URLParam(r, "queue"), req.Delayed)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// @Summary Retry finished jobs
// @Tags Queues
// @Router /queues/{queue}/retry [post]
func (s *Server) handleRetryJobs(w http.ResponseWriter, r *http.Request) {
	var req store.RetryJobsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	if req.State != "" {
		st, ok := store.ParseState(string(req.State))
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown state "+string(req.State), string(store.ErrorCodeValidation))
			return
		}
		req.State = st
	}
	n, err := s.store.RetryJobs(chi.URLParam(r, "queue"), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"moved": n})
}

func (s *Server) handlePromoteJobs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	n, err := s.store.PromoteJobs(chi.URLParam(r, "queue"), req.Count)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"moved": n})
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State   string `json:"state"`
		GraceMs int64  `json:"grace_ms"`
		Limit   int    `json:"limit"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	st, ok := store.ParseState(req.State)
	if !ok {
		writeError(w, http.StatusBadRequest, "state is required", string(store.ErrorCodeValidation))
		return
	}
	n, err := s.store.Clean(chi.URLParam(r, "queue"), st, time.Duration(req.GraceMs)*time.Millisecond, req.Limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// @Summary Remove the legacy priority key
// @Description Deletes the pre-prioritized-state priority index left by older data layouts.
// @Tags Queues
// @Router /queues/{queue}/legacy-priority [delete]
func (s *Server) handleRemoveLegacyPriority(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.RemoveDeprecatedPriorityKey(chi.URLParam(r, "queue"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}
