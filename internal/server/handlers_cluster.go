package server

import (
	"net/http"
	"strings"
)

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		writeJSON(w, http.StatusOK, map[string]any{"mode": "single", "state": "Leader"})
		return
	}
	writeJSON(w, http.StatusOK, s.cluster.ClusterStatus())
}

// handleClusterJoin adds a voter. Followers answer with the leader address
// so the joining node can retry there.
func (s *Server) handleClusterJoin(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		writeError(w, http.StatusBadRequest, "server is not running in cluster mode", "NOT_CLUSTERED")
		return
	}
	var req struct {
		NodeID string `json:"node_id"`
		Addr   string `json:"addr"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	req.NodeID = strings.TrimSpace(req.NodeID)
	req.Addr = strings.TrimSpace(req.Addr)
	if req.NodeID == "" || req.Addr == "" {
		writeError(w, http.StatusBadRequest, "node_id and addr are required", "VALIDATION_ERROR")
		return
	}
	if !s.cluster.IsLeader() {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":       "not leader",
			"code":        "NOT_LEADER",
			"leader_addr": s.cluster.LeaderAddr(),
		})
		return
	}
	if err := s.cluster.AddVoter(req.NodeID, req.Addr); err != nil {
		s.logger.Error("cluster join failed", "node_id", req.NodeID, "addr", req.Addr, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error(), "JOIN_FAILED")
		return
	}
	s.logger.Info("node joined cluster", "node_id", req.NodeID, "addr", req.Addr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}
