package records

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded indicates admission control denied a local write.
	ErrQuotaExceeded = errors.New("records: storage quota exceeded")
	// ErrRemoteUnavailable indicates a network failure, timeout or server-side outage.
	ErrRemoteUnavailable = errors.New("records: remote service unavailable")
	// ErrRemoteRejected indicates the remote service refused the request (validation, auth).
	ErrRemoteRejected = errors.New("records: remote service rejected request")
	// ErrExhaustedRetries indicates a record is excluded from automatic push attempts.
	ErrExhaustedRetries = errors.New("records: sync retries exhausted")
	// ErrMigrationFailed indicates the local schema upgrade did not complete.
	ErrMigrationFailed = errors.New("records: local schema migration failed")
	// ErrRecordNotFound indicates that no record matched the lookup.
	ErrRecordNotFound = errors.New("records: record not found")
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
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

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError with code "<operation>.<reason>".
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ErrorCode extracts the ServiceError code from err, or returns an empty string.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

// PendingSyncError reports a write that reached the local store but not the remote service.
// The record is durable locally and the sync engine will retry it.
type PendingSyncError struct {
	LocalID LocalID
	Cause   error
}

func (e *PendingSyncError) Error() string {
	return fmt.Sprintf("record %s saved locally, remote sync pending: %v", e.LocalID, e.Cause)
}

func (e *PendingSyncError) Unwrap() error {
	return e.Cause
}

// IsPendingSync reports whether err describes a locally durable write awaiting sync.
func IsPendingSync(err error) bool {
	var pending *PendingSyncError
	return errors.As(err, &pending)
}

// IsRemoteFailure reports whether err is one of the recoverable remote failure classes.
func IsRemoteFailure(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, ErrRemoteRejected)
}
