// Package engine orchestrates the patient queue: it issues tickets, drives
// them through the lifecycle, and applies the per-department configuration.
// Storage and the patient/department collaborators are injected interfaces;
// the engine holds no process-wide state of its own.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinicops/queue-engine/internal/models"
	"clinicops/queue-engine/internal/store"
)

// Clock supplies the current time so that service date computation and reset
// behavior are deterministic in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func SystemClock() Clock { return systemClock{} }

// PatientDirectory is the external patient service boundary.
type PatientDirectory interface {
	PatientExists(ctx context.Context, patientID string) (bool, error)
}

// DepartmentDirectory is the external department service boundary.
type DepartmentDirectory interface {
	IsDepartmentActive(ctx context.Context, departmentID string) (bool, error)
}

type Options struct {
	// Location is the clinic timezone used to derive service dates.
	Location *time.Location
	// CollaboratorTimeout bounds every patient/department lookup.
	CollaboratorTimeout time.Duration
	Clock               Clock
}

type Engine struct {
	tickets     store.TicketStore
	settings    store.SettingsStore
	patients    PatientDirectory
	departments DepartmentDirectory
	clock       Clock
	location    *time.Location
	timeout     time.Duration
}

func New(tickets store.TicketStore, settings store.SettingsStore, patients PatientDirectory, departments DepartmentDirectory, options Options) *Engine {
	clock := options.Clock
	if clock == nil {
		clock = SystemClock()
	}
	location := options.Location
	if location == nil {
		location = time.Local
	}
	timeout := options.CollaboratorTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Engine{
		tickets:     tickets,
		settings:    settings,
		patients:    patients,
		departments: departments,
		clock:       clock,
		location:    location,
		timeout:     timeout,
	}
}

// ServiceDate returns today's queue scope in the clinic timezone.
func (e *Engine) ServiceDate() string {
	return e.clock.Now().In(e.location).Format(models.ServiceDateFormat)
}

// Take issues the next ticket for the department. Each call yields a new
// ticket; there is no idempotency key, so callers must not retry blindly on
// an ambiguous failure.
func (e *Engine) Take(ctx context.Context, departmentID string) (models.Ticket, error) {
	active, err := e.departmentActive(ctx, departmentID)
	if err != nil {
		return models.Ticket{}, fmt.Errorf("%w: department lookup: %v", store.ErrOperationFailed, err)
	}
	if !active {
		return models.Ticket{}, store.ErrScopeUnavailable
	}

	cfg, err := e.settings.GetConfig(ctx, departmentID)
	if err != nil {
		if errors.Is(err, store.ErrDepartmentNotFound) {
			return models.Ticket{}, store.ErrScopeUnavailable
		}
		return models.Ticket{}, err
	}

	// The allocate-and-insert step is the only part that serializes on the
	// (department, service date) scope; collaborator I/O stays outside it.
	return e.tickets.CreateTicket(ctx, store.CreateTicketInput{
		DepartmentID: departmentID,
		ServiceDate:  e.ServiceDate(),
		Prefix:       cfg.Prefix,
		NumberWidth:  cfg.NumberWidth,
		CreatedAt:    e.clock.Now().UTC(),
	})
}

func (e *Engine) Call(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.tickets.CallTicket(ctx, store.TransitionInput{TicketID: ticketID, OccurredAt: e.clock.Now().UTC()})
}

func (e *Engine) Start(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.tickets.StartTicket(ctx, store.TransitionInput{TicketID: ticketID, OccurredAt: e.clock.Now().UTC()})
}

func (e *Engine) Complete(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.tickets.CompleteTicket(ctx, store.TransitionInput{TicketID: ticketID, OccurredAt: e.clock.Now().UTC()})
}

func (e *Engine) Skip(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.tickets.SkipTicket(ctx, store.TransitionInput{TicketID: ticketID, OccurredAt: e.clock.Now().UTC()})
}

func (e *Engine) Cancel(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.tickets.CancelTicket(ctx, store.TransitionInput{TicketID: ticketID, OccurredAt: e.clock.Now().UTC()})
}

// Recall reinstates a skipped ticket at the back of the call order, provided
// the department config permits it.
func (e *Engine) Recall(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticket, err := e.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	cfg, err := e.settings.GetConfig(ctx, ticket.DepartmentID)
	if err != nil {
		return models.Ticket{}, err
	}
	if !cfg.AllowRecallAfterSkip {
		return models.Ticket{}, &store.TransitionError{Status: ticket.Status, Action: store.ActionRecall}
	}
	return e.tickets.RecallTicket(ctx, store.TransitionInput{TicketID: ticketID, OccurredAt: e.clock.Now().UTC()})
}

func (e *Engine) AssignPatient(ctx context.Context, ticketID, patientID string) (models.Ticket, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, e.timeout)
	exists, err := e.patients.PatientExists(lookupCtx, patientID)
	cancel()
	if err != nil {
		return models.Ticket{}, fmt.Errorf("%w: patient lookup: %v", store.ErrOperationFailed, err)
	}
	if !exists {
		return models.Ticket{}, store.ErrPatientNotFound
	}
	return e.tickets.AssignPatient(ctx, ticketID, patientID, e.clock.Now().UTC())
}

func (e *Engine) Ticket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.tickets.GetTicket(ctx, ticketID)
}

// Today lists the current service date's tickets in call order. An empty
// departmentID spans all departments.
func (e *Engine) Today(ctx context.Context, departmentID string) ([]models.Ticket, error) {
	return e.tickets.ListDay(ctx, departmentID, e.ServiceDate())
}

// CurrentlyServing returns the in-progress ticket, falling back to the most
// recently called one.
func (e *Engine) CurrentlyServing(ctx context.Context, departmentID string) (models.Ticket, bool, error) {
	return e.tickets.CurrentlyServing(ctx, departmentID, e.ServiceDate())
}

// Reset bulk-cancels the department's still-open tickets for today. It is an
// administrative escape hatch; the daily rollover happens on its own when the
// service date changes.
func (e *Engine) Reset(ctx context.Context, departmentID string) (int, error) {
	active, err := e.departmentActive(ctx, departmentID)
	if err != nil {
		return 0, fmt.Errorf("%w: department lookup: %v", store.ErrOperationFailed, err)
	}
	if !active {
		return 0, store.ErrScopeUnavailable
	}
	return e.tickets.CancelOpenTickets(ctx, departmentID, e.ServiceDate(), e.clock.Now().UTC())
}

func (e *Engine) departmentActive(ctx context.Context, departmentID string) (bool, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.departments.IsDepartmentActive(lookupCtx, departmentID)
}
