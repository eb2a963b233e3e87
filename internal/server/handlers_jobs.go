package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/user/flowq/internal/search"
	"github.com/user/flowq/internal/store"
)

type addJobRequest struct {
	Name string           `json:"name"`
	Data json.RawMessage  `json:"data"`
	Opts store.JobOptions `json:"opts"`
}

// @Summary Add a job
// @Description Returns 201 for a new job and 200 when a job with the same id already exists.
// @Tags Jobs
// @Accept json
// @Produce json
// @Success 201 {object} store.Job
// @Router /queues/{queue}/jobs [post]
func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var req addJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	res, err := s.store.AddJobs([]store.NewJob{{
		Queue: chi.URLParam(r, "queue"),
		Name:  req.Name,
		Data:  req.Data,
		Opts:  req.Opts,
	}})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	status := http.StatusCreated
	if len(res.Existing) > 0 && res.Existing[0] {
		status = http.StatusOK
	}
	writeJSON(w, status, res.Jobs[0])
}

// @Summary Add jobs in bulk
// @Description All jobs are created in one atomic write.
// @Tags Jobs
// @Router /queues/{queue}/jobs/bulk [post]
func (s *Server) handleAddBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Jobs []addJobRequest `json:"jobs"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	if len(req.Jobs) == 0 {
		writeError(w, http.StatusBadRequest, "jobs array is required", string(store.ErrorCodeValidation))
		return
	}
	queue := chi.URLParam(r, "queue")
	jobs := make([]store.NewJob, len(req.Jobs))
	for i, j := range req.Jobs {
		jobs[i] = store.NewJob{Queue: queue, Name: j.Name, Data: j.Data, Opts: j.Opts}
	}
	res, err := s.store.AddJobs(jobs)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// @Summary Add a flow
// @Description Creates a parent job and its children across queues atomically.
// @Tags Jobs
// @Router /flows [post]
func (s *Server) handleAddFlow(w http.ResponseWriter, r *http.Request) {
	var root store.FlowNode
	if err := decodeJSON(r, &root); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	res, err := s.store.AddFlow(root)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := store.StateWaiting
	if raw := q.Get("state"); raw != "" {
		st, ok := store.ParseState(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown state "+raw, string(store.ErrorCodeValidation))
			return
		}
		state = st
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", string(store.ErrorCodeValidation))
			return
		}
		limit = n
	}
	jobs, err := s.store.ListJobs(chi.URLParam(r, "queue"), state, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveJob(chi.URLParam(r, "queue"), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	deps, err := s.store.GetDependencies(chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deps)
}

// @Summary Search jobs
// @Description Filters the SQLite mirror. data_jq accepts a small jq subset over the job data.
// @Tags Jobs
// @Router /jobs/search [post]
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var filter search.Filter
	if err := decodeJSON(r, &filter); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	res, err := s.store.SearchJobs(filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
