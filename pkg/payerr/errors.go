// Package payerr defines the shared error taxonomy of the payment engine.
// Sentinel errors are wrap-friendly: callers match with errors.Is.
package payerr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation            = errors.New("invalid request")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("operation already in flight")
	ErrInsufficientBalance   = errors.New("insufficient point balance")
	ErrAlreadyPurchased      = errors.New("resource already purchased")
	ErrDuplicateSubscription = errors.New("subscription already active")
	ErrResourceFree          = errors.New("resource is free")
	ErrAdultRestriction      = errors.New("adult content cannot be charged externally")
	ErrForbidden             = errors.New("forbidden")
	ErrGateway               = errors.New("payment gateway error")
)

// ReconciliationError marks a webhook confirmation that arrived but cannot be
// safely completed: the external charge succeeded and value cannot be granted.
// It is never surfaced to an end user; the audit log records it with
// requires_recovery=true for the administrative queue.
type ReconciliationError struct {
	AuditLogID string
	Code       string
	Message    string
	Err        error
}

func (e *ReconciliationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reconciliation failed (%s, audit_log=%s): %s: %v", e.Code, e.AuditLogID, e.Message, e.Err)
	}
	return fmt.Sprintf("reconciliation failed (%s, audit_log=%s): %s", e.Code, e.AuditLogID, e.Message)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

func Reconciliation(auditLogID, code, message string, err error) *ReconciliationError {
	return &ReconciliationError{AuditLogID: auditLogID, Code: code, Message: message, Err: err}
}

// IsRecoverable reports whether err is a ReconciliationError, i.e. a failure
// that must land in the recovery queue rather than be retried.
func IsRecoverable(err error) (*ReconciliationError, bool) {
	var rec *ReconciliationError
	if errors.As(err, &rec) {
		return rec, true
	}
	return nil, false
}
