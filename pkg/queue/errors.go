package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/user/flowq/internal/store"
)

// ErrClosed is returned by handles after Close.
var ErrClosed = store.ErrClosed

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks a processor error as final: the job fails without
// using its remaining attempts.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was marked with Unrecoverable.
func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}

// marshalData encodes job data. Raw JSON and byte slices pass through.
func marshalData(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	case []byte:
		return json.RawMessage(d), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, store.NewValidationError(fmt.Sprintf("encode job data: %v", err))
	}
	return b, nil
}

// waitReady polls ready until it succeeds or ctx is done.
func waitReady(ctx context.Context, ready func(context.Context) error) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := ready(ctx)
		if err == nil || errors.Is(err, store.ErrClosed) {
			return err
		}
		select {
		case <-ctx.Done():
			return store.NewStoreUnavailable(fmt.Sprintf("wait until ready: %v (last error: %v)", ctx.Err(), err))
		case <-ticker.C:
		}
	}
}
