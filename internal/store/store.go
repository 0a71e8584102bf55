package store

import (
	"context"
	"time"

	"clinicops/queue-engine/internal/models"
)

// CreateTicketInput carries everything the store needs to allocate the next
// sequence number and persist the ticket as one atomic unit. Prefix and
// NumberWidth are resolved from the department config at take time so that
// later config updates never reformat existing display codes.
type CreateTicketInput struct {
	DepartmentID string
	ServiceDate  string
	Prefix       string
	NumberWidth  int
	CreatedAt    time.Time
}

// TransitionInput identifies a single ticket mutation. OccurredAt is supplied
// by the caller so that stores never consult the wall clock.
type TransitionInput struct {
	TicketID   string
	OccurredAt time.Time
}

// TicketStore is the durable queue state. All mutations are status-guarded:
// a caller that lost a race on the same ticket observes a TransitionError
// (or ErrConcurrencyConflict from the backend), never a silent overwrite.
type TicketStore interface {
	// CreateTicket allocates the next sequence number in the
	// (department, service date) scope and inserts the ticket in one atomic
	// unit. Sequence numbers are gap-free and strictly increasing per scope.
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	// ListDay returns tickets for the service date in call order: non-recalled
	// tickets by sequence number, then recalled tickets by requeue time.
	// An empty departmentID returns all departments.
	ListDay(ctx context.Context, departmentID, serviceDate string) ([]models.Ticket, error)
	// CurrentlyServing returns the in-progress ticket for the department, or
	// the most recently called one if nothing is in progress.
	CurrentlyServing(ctx context.Context, departmentID, serviceDate string) (models.Ticket, bool, error)

	CallTicket(ctx context.Context, input TransitionInput) (models.Ticket, error)
	// StartTicket fails with ErrDepartmentBusy when another ticket in the same
	// scope is already in progress; the check is atomic with the transition.
	StartTicket(ctx context.Context, input TransitionInput) (models.Ticket, error)
	CompleteTicket(ctx context.Context, input TransitionInput) (models.Ticket, error)
	SkipTicket(ctx context.Context, input TransitionInput) (models.Ticket, error)
	CancelTicket(ctx context.Context, input TransitionInput) (models.Ticket, error)
	RecallTicket(ctx context.Context, input TransitionInput) (models.Ticket, error)

	// AssignPatient sets the patient reference exactly once while the ticket
	// is waiting or called; otherwise ErrAssignmentNotAllowed.
	AssignPatient(ctx context.Context, ticketID, patientID string, occurredAt time.Time) (models.Ticket, error)

	// CancelOpenTickets bulk-cancels waiting and called tickets for the scope
	// and returns how many were cancelled. In-progress and terminal tickets
	// are untouched.
	CancelOpenTickets(ctx context.Context, departmentID, serviceDate string, occurredAt time.Time) (int, error)
}

// SettingsStore holds per-department queue configuration.
type SettingsStore interface {
	GetConfig(ctx context.Context, departmentID string) (models.DepartmentConfig, error)
	ListConfigs(ctx context.Context) ([]models.DepartmentConfig, error)
	PutConfig(ctx context.Context, cfg models.DepartmentConfig) (models.DepartmentConfig, error)
}
