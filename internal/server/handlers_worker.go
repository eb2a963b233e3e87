package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/user/flowq/internal/store"
)

const maxClaimWait = 30 * time.Second

type claimRequest struct {
	LeaseMs int64 `json:"lease_ms"`
	WaitMs  int64 `json:"wait_ms"`
}

// @Summary Claim the next job
// @Description Long-polls up to wait_ms. Responds 204 when no job became available.
// @Tags Workers
// @Router /queues/{queue}/claim [post]
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	lease := time.Duration(req.LeaseMs) * time.Millisecond
	if lease <= 0 {
		lease = s.defaultLease
	}
	wait := time.Duration(req.WaitMs) * time.Millisecond
	if wait > maxClaimWait {
		wait = maxClaimWait
	}

	job, err := s.claimWait(r, chi.URLParam(r, "queue"), lease, wait)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// claimWait retries Claim until a job is claimed, wait elapses or the
// client goes away. Added and promoted events on the queue wake it early.
func (s *Server) claimWait(r *http.Request, queue string, lease, wait time.Duration) (*store.Job, error) {
	job, err := s.store.Claim(queue, lease)
	if err != nil || job != nil || wait <= 0 {
		return job, err
	}

	var wake <-chan store.JobEvent
	if s.broker != nil {
		sub := s.broker.Subscribe(queue)
		defer s.broker.Unsubscribe(sub)
		wake = sub.C()
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil, nil
		case <-deadline.C:
			return nil, nil
		case <-poll.C:
		case ev, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			switch ev.Type {
			case store.JobEventAdded, store.JobEventPromoted, store.JobEventResumed, store.JobEventRetrying, store.JobEventStalled:
			default:
				continue
			}
		}
		job, err := s.store.Claim(queue, lease)
		if err != nil || job != nil {
			return job, err
		}
	}
}

// @Summary Complete an active job
// @Tags Workers
// @Router /queues/{queue}/jobs/{id}/complete [post]
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string          `json:"token"`
		ReturnValue json.RawMessage `json:"return_value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	res, err := s.store.Complete(chi.URLParam(r, "queue"), chi.URLParam(r, "id"), req.Token, req.ReturnValue)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// @Summary Fail an active job
// @Description The job is retried while attempts remain unless unrecoverable is set.
// @Tags Workers
// @Router /queues/{queue}/jobs/{id}/fail [post]
func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token         string `json:"token"`
		Reason        string `json:"reason"`
		Unrecoverable bool   `json:"unrecoverable"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	res, err := s.store.Fail(chi.URLParam(r, "queue"), chi.URLParam(r, "id"), req.Token, req.Reason, req.Unrecoverable)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExtendLease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token   string `json:"token"`
		LeaseMs int64  `json:"lease_ms"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	lease := time.Duration(req.LeaseMs) * time.Millisecond
	if lease <= 0 {
		lease = s.defaultLease
	}
	job, err := s.store.ExtendLease(chi.URLParam(r, "queue"), chi.URLParam(r, "id"), req.Token, lease)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
