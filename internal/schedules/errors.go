package schedules

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageFailure indicates that the persistence layer failed; nothing was committed.
	ErrStorageFailure = errors.New("schedules: storage failure")
	// ErrEntityNotFound indicates that an operation referenced an unknown or deleted schedule.
	ErrEntityNotFound = errors.New("schedules: entity not found")
	// ErrInvalidData indicates malformed input such as an unparseable identifier.
	ErrInvalidData = errors.New("schedules: invalid data")
	// ErrUndoUnavailable indicates there is no undo snapshot for the current day.
	ErrUndoUnavailable = errors.New("schedules: undo unavailable")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errAnotherActive     = errors.New("another schedule is active")
	errDifficultyFixed   = errors.New("difficulty is fixed at creation")
	errNoSnapshot        = errors.New("no undo snapshot")
	errSnapshotExpired   = errors.New("undo snapshot is from a previous day")
)

// ServiceError carries an "<operation>.<reason>" code and the error kind it belongs to.
type ServiceError struct {
	code string
	kind error
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() []error {
	wrapped := make([]error, 0, 2)
	if e.kind != nil {
		wrapped = append(wrapped, e.kind)
	}
	if e.err != nil {
		wrapped = append(wrapped, e.err)
	}
	return wrapped
}

// Code returns the dotted error code.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns one of ErrStorageFailure, ErrEntityNotFound, ErrInvalidData or ErrUndoUnavailable.
func (e *ServiceError) Kind() error {
	return e.kind
}

func newServiceError(operation, reason string, kind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}
