package rpcconnect

import (
	"encoding/json"

	"github.com/user/flowq/internal/store"
)

// ServiceName is the fully qualified worker service name.
const ServiceName = "flowq.v1.WorkerService"

// Procedure paths.
const (
	ClaimProcedure       = "/" + ServiceName + "/Claim"
	CompleteProcedure    = "/" + ServiceName + "/Complete"
	FailProcedure        = "/" + ServiceName + "/Fail"
	ExtendLeaseProcedure = "/" + ServiceName + "/ExtendLease"
	ReadyProcedure       = "/" + ServiceName + "/Ready"
)

type ClaimRequest struct {
	Queue   string `json:"queue"`
	LeaseMs int64  `json:"lease_ms,omitempty"`
	WaitMs  int64  `json:"wait_ms,omitempty"`
}

// ClaimResponse carries no job when nothing became claimable in time.
type ClaimResponse struct {
	Job *store.Job `json:"job,omitempty"`
}

type CompleteRequest struct {
	Queue       string          `json:"queue"`
	JobID       string          `json:"job_id"`
	Token       string          `json:"token"`
	ReturnValue json.RawMessage `json:"return_value,omitempty"`
}

type FailRequest struct {
	Queue         string `json:"queue"`
	JobID         string `json:"job_id"`
	Token         string `json:"token"`
	Reason        string `json:"reason"`
	Unrecoverable bool   `json:"unrecoverable,omitempty"`
}

type ExtendLeaseRequest struct {
	Queue   string `json:"queue"`
	JobID   string `json:"job_id"`
	Token   string `json:"token"`
	LeaseMs int64  `json:"lease_ms"`
}

type ExtendLeaseResponse struct {
	Job *store.Job `json:"job"`
}

type ReadyRequest struct{}

type ReadyResponse struct {
	Ready bool `json:"ready"`
}
