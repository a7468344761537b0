package documents

import (
	"errors"
	"fmt"
)

var (
	// ErrAccessDenied indicates the caller's permission level is below what the operation needs.
	ErrAccessDenied = errors.New("documents: access denied")
	// ErrNotFound indicates a missing document, version, share or target user.
	ErrNotFound = errors.New("documents: not found")
	// ErrConflict indicates a duplicate share for a (document, user) pair.
	ErrConflict = errors.New("documents: conflict")
	// ErrValidation indicates empty or malformed identifiers or payloads.
	ErrValidation = errors.New("documents: validation failed")
	// ErrStorage indicates a backend failure or timeout.
	ErrStorage = errors.New("documents: storage failure")
	// ErrVersionRace indicates a collision while allocating a version number. It is retried
	// inside the version store and only escapes wrapped in ErrStorage.
	ErrVersionRace = errors.New("documents: version number race")

	errDuplicateKey      = errors.New("documents: duplicate key")
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingProfiles   = errors.New("profile directory is required")
	errMissingQueue      = errors.New("pending version queue is required in queued commit mode")
)

// ErrorKind names an error category for transports.
type ErrorKind string

const (
	KindAccessDenied ErrorKind = "access_denied"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindValidation   ErrorKind = "validation_error"
	KindStorage      ErrorKind = "storage_error"
	KindInternal     ErrorKind = "internal_error"
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation-scoped error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// KindOf classifies err into one of the user-facing kinds.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrStorage), errors.Is(err, ErrVersionRace):
		return KindStorage
	default:
		return KindInternal
	}
}

// CodeOf returns the ServiceError code carried by err, if any.
func CodeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
