package store

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// FormatGeneratedID renders a per-queue counter value as a job id.
func FormatGeneratedID(n uint64) string {
	return strconv.FormatUint(n, 10)
}

// ValidateJobID checks a caller-supplied job id. Integer ids are reserved
// for generated ids.
func ValidateJobID(id string) error {
	if id == "" {
		return nil
	}
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		return NewValidationError("custom ids cannot be integers")
	}
	if strings.ContainsAny(id, ":\x00") {
		return NewValidationError("job id must not contain ':' or NUL")
	}
	return nil
}

// ValidateQueueName checks a queue name.
func ValidateQueueName(name string) error {
	if strings.TrimSpace(name) == "" {
		return NewValidationError("queue name must be provided")
	}
	if strings.ContainsAny(name, ":\x00") {
		return NewValidationError("queue name must not contain ':' or NUL")
	}
	return nil
}

// NewToken returns a fresh claim token.
func NewToken() string {
	return uuid.NewString()
}

// NewWorkerID returns a worker identifier with the "wrk_" prefix.
func NewWorkerID() string {
	return "wrk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
