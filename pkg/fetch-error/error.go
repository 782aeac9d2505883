// Package fetcherror defines the errors surfaced by the cache layer.
//
// Every error returned to a caller is one of four kinds:
// NetworkError (the fetcher or commit failed), CancellationError (the
// caller's context ended), MutationConflictError (the server rejected an
// optimistic mutation) and CacheInconsistencyError (an internal invariant
// was violated and the entry was reset).
package fetcherror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrConflict is the sentinel wrapped by MutationConflictError.
var ErrConflict = errors.New("mutation conflict")

// NetworkError is returned when a fetcher or commit function fails.
type NetworkError struct {
	Key string
	// Number of attempts made, including retries.
	Attempts int
	// HTTP status code, if the failure came from an HTTP response.
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	msg := fmt.Sprintf("fetching %q failed", e.Key)
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (%d %s)", msg, e.Status, http.StatusText(e.Status))
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Unwrap() error { return e.Err }

// CancellationError is returned when an operation was abandoned because its
// context ended. It never changes cached state.
type CancellationError struct {
	Key string
	Err error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("operation on %q cancelled: %v", e.Key, e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }

// MutationConflictError is returned when the server rejected an optimistic
// mutation. The cache has been rolled back by the time it is returned.
type MutationConflictError struct {
	Key string
	Err error
}

func (e *MutationConflictError) Error() string {
	if e.Err == nil || e.Err == ErrConflict {
		return fmt.Sprintf("mutation of %q rejected", e.Key)
	}
	return fmt.Sprintf("mutation of %q rejected: %v", e.Key, e.Err)
}

func (e *MutationConflictError) Unwrap() error { return e.Err }

func (e *MutationConflictError) Is(target error) bool { return target == ErrConflict }

// CacheInconsistencyError is raised when two writers were detected for the
// same key. The entry is reset to Empty before the error is returned.
type CacheInconsistencyError struct {
	Key    string
	Reason string
}

func (e *CacheInconsistencyError) Error() string {
	return fmt.Sprintf("cache inconsistency for %q: %s", e.Key, e.Reason)
}

// Conflict marks err as a server-side rejection of a mutation.
// Commit functions return it so the mutation engine reports a
// MutationConflictError.
func Conflict(err error) error {
	if err == nil {
		err = ErrConflict
	}
	return &MutationConflictError{Err: err}
}

// Network wraps err as a NetworkError for key.
func Network(key string, status int, err error) error {
	return &NetworkError{Key: key, Attempts: 1, Status: status, Err: err}
}

// Cancelled wraps err as a CancellationError for key.
func Cancelled(key string, err error) error {
	return &CancellationError{Key: key, Err: err}
}

// Classify maps err into the taxonomy. Errors that already belong to it are
// returned as a copy with their key filled in if missing; context errors
// become CancellationError and everything else becomes a NetworkError.
// err itself is never modified.
func Classify(key string, err error) error {
	if err == nil {
		return nil
	}
	var (
		netErr      *NetworkError
		cancelErr   *CancellationError
		conflictErr *MutationConflictError
		incErr      *CacheInconsistencyError
	)
	switch {
	case errors.As(err, &conflictErr):
		e := *conflictErr
		if e.Key == "" {
			e.Key = key
		}
		return &e
	case errors.As(err, &cancelErr):
		e := *cancelErr
		if e.Key == "" {
			e.Key = key
		}
		return &e
	case errors.As(err, &incErr):
		return incErr
	case errors.As(err, &netErr):
		e := *netErr
		if e.Key == "" {
			e.Key = key
		}
		if e.Attempts == 0 {
			e.Attempts = 1
		}
		return &e
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &CancellationError{Key: key, Err: err}
	}
	return &NetworkError{Key: key, Attempts: 1, Err: err}
}

// IsNetwork reports whether err is a NetworkError.
func IsNetwork(err error) bool {
	var e *NetworkError
	return errors.As(err, &e)
}

// IsCancellation reports whether err is a CancellationError.
func IsCancellation(err error) bool {
	var e *CancellationError
	return errors.As(err, &e)
}

// IsConflict reports whether err is a MutationConflictError.
func IsConflict(err error) bool {
	var e *MutationConflictError
	return errors.As(err, &e)
}

// IsInconsistency reports whether err is a CacheInconsistencyError.
func IsInconsistency(err error) bool {
	var e *CacheInconsistencyError
	return errors.As(err, &e)
}
