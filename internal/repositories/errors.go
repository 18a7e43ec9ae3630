package repositories

import (
	"errors"
	"fmt"
)

// StoreError is a RepositoryError for backends without their own error type.
type StoreError struct {
	Op          string
	Err         error
	NotFound    bool
	Conflict    bool
	Unavailable bool
}

func (e *StoreError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *StoreError) Unwrap() error       { return e.Err }
func (e *StoreError) IsNotFound() bool    { return e != nil && e.NotFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.Conflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Unavailable }

// NewNotFoundError reports a missing record.
func NewNotFoundError(op, what string) *StoreError {
	return &StoreError{Op: op, Err: fmt.Errorf("%s not found", what), NotFound: true}
}

// NewConflictError reports a write that lost to a concurrent or duplicate write.
func NewConflictError(op, what string) *StoreError {
	return &StoreError{Op: op, Err: fmt.Errorf("%s already exists", what), Conflict: true}
}

// IsNotFound reports whether err is a RepositoryError signalling a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a RepositoryError signalling a conflicting write.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err is a RepositoryError signalling a transient outage.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
