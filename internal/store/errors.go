package store

import (
	"errors"
	"fmt"
)

var (
	ErrScopeUnavailable     = errors.New("department scope unavailable")
	ErrInvalidTransition    = errors.New("invalid ticket transition")
	ErrDepartmentBusy       = errors.New("another ticket already in progress")
	ErrAssignmentNotAllowed = errors.New("patient assignment not allowed")
	ErrPatientNotFound      = errors.New("patient not found")
	ErrDepartmentNotFound   = errors.New("department not found")
	ErrTicketNotFound       = errors.New("ticket not found")
	ErrConcurrencyConflict  = errors.New("concurrent update conflict")
	ErrOperationFailed      = errors.New("operation failed")
)

// TransitionError reports the ticket's current status and the action that was
// rejected. It matches ErrInvalidTransition under errors.Is.
type TransitionError struct {
	Status string
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s ticket in status %q", e.Action, e.Status)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
