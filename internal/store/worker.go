package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultLeaseDuration is the claim lease used when none is given.
const DefaultLeaseDuration = 30 * time.Second

// Claim atomically moves the next eligible job of queue to active. It
// returns nil, nil when nothing is claimable.
func (s *Store) Claim(queue string, lease time.Duration) (*Job, error) {
	if err := ValidateQueueName(queue); err != nil {
		return nil, err
	}
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	now := time.Now()
	op := ClaimOp{
		Queue:          queue,
		Token:          NewToken(),
		LeaseExpiresNs: uint64(now.Add(lease).UnixNano()),
		NowNs:          uint64(now.UnixNano()),
	}
	res, err := applyOpResult[ClaimResult](s, OpClaim, op)
	if err != nil {
		return nil, err
	}
	if res.Job != nil {
		s.publishJob(JobEventActive, res.Job)
	}
	return res.Job, nil
}

// Complete finishes an active job. The token must match the claim.
func (s *Store) Complete(queue, id, token string, returnValue json.RawMessage) (*CompleteResult, error) {
	if len(returnValue) > 0 && !json.Valid(returnValue) {
		return nil, NewValidationError("return value must be valid JSON")
	}
	job, err := s.GetJob(queue, id)
	if err != nil {
		return nil, err
	}
	if err := validateResultSchema(job, returnValue); err != nil {
		return nil, err
	}

	res, err := applyOpResult[CompleteResult](s, OpComplete, CompleteOp{
		Queue:       queue,
		JobID:       id,
		Token:       token,
		ReturnValue: returnValue,
		NowNs:       nowNs(),
	})
	if err != nil {
		return nil, err
	}
	s.publishJob(JobEventCompleted, res.Job)
	return res, nil
}

// Fail reports a processing error. The job is retried while attempts
// remain unless unrecoverable is set.
func (s *Store) Fail(queue, id, token, reason string, unrecoverable bool) (*FailResult, error) {
	res, err := applyOpResult[FailResult](s, OpFail, FailOp{
		Queue:         queue,
		JobID:         id,
		Token:         token,
		Reason:        reason,
		Unrecoverable: unrecoverable,
		NowNs:         nowNs(),
	})
	if err != nil {
		return nil, err
	}
	if res.Retrying {
		s.publishJob(JobEventRetrying, res.Job)
	} else {
		s.publishJob(JobEventFailed, res.Job)
	}
	return res, nil
}

// ExtendLease renews the lease of an active job.
func (s *Store) ExtendLease(queue, id, token string, lease time.Duration) (*Job, error) {
	if lease <= 0 {
		return nil, NewValidationError(fmt.Sprintf("lease must be positive, got %s", lease))
	}
	now := time.Now()
	res, err := applyOpResult[ClaimResult](s, OpExtendLease, ExtendLeaseOp{
		Queue:          queue,
		JobID:          id,
		Token:          token,
		LeaseExpiresNs: uint64(now.Add(lease).UnixNano()),
		NowNs:          uint64(now.UnixNano()),
	})
	if err != nil {
		return nil, err
	}
	return res.Job, nil
}
