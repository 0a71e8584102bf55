// Package memory implements the queue stores on process-local state. It
// backs the engine tests and single-node development runs; semantics match
// the postgres store, including gap-free sequences and status-guarded
// transitions.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"clinicops/queue-engine/internal/models"
	"clinicops/queue-engine/internal/store"

	"github.com/google/uuid"
)

type scopeKey struct {
	departmentID string
	serviceDate  string
}

type Store struct {
	mu        sync.Mutex
	tickets   map[string]*models.Ticket
	sequences map[scopeKey]int
	configs   map[string]models.DepartmentConfig
}

func NewStore() *Store {
	return &Store{
		tickets:   make(map[string]*models.Ticket),
		sequences: make(map[scopeKey]int),
		configs:   make(map[string]models.DepartmentConfig),
	}
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopeKey{departmentID: input.DepartmentID, serviceDate: input.ServiceDate}
	seq := s.sequences[key] + 1
	s.sequences[key] = seq

	width := input.NumberWidth
	if width <= 0 {
		width = 3
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	ticket := &models.Ticket{
		TicketID:       uuid.NewString(),
		DepartmentID:   input.DepartmentID,
		ServiceDate:    input.ServiceDate,
		SequenceNumber: seq,
		DisplayCode:    formatDisplayCode(input.Prefix, width, seq),
		Status:         models.StatusWaiting,
		CreatedAt:      createdAt,
	}
	s.tickets[ticket.TicketID] = ticket
	return *ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return *ticket, nil
}

func (s *Store) ListDay(ctx context.Context, departmentID, serviceDate string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.ServiceDate != serviceDate {
			continue
		}
		if departmentID != "" && ticket.DepartmentID != departmentID {
			continue
		}
		tickets = append(tickets, *ticket)
	}
	sort.Slice(tickets, func(i, j int) bool {
		a, b := tickets[i], tickets[j]
		if a.DepartmentID != b.DepartmentID {
			return a.DepartmentID < b.DepartmentID
		}
		// Recalled tickets sort after everything still in original order.
		if (a.RequeuedAt != nil) != (b.RequeuedAt != nil) {
			return a.RequeuedAt == nil
		}
		if a.RequeuedAt != nil && b.RequeuedAt != nil && !a.RequeuedAt.Equal(*b.RequeuedAt) {
			return a.RequeuedAt.Before(*b.RequeuedAt)
		}
		return a.SequenceNumber < b.SequenceNumber
	})
	return tickets, nil
}

func (s *Store) CurrentlyServing(ctx context.Context, departmentID, serviceDate string) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastCalled *models.Ticket
	for _, ticket := range s.tickets {
		if ticket.DepartmentID != departmentID || ticket.ServiceDate != serviceDate {
			continue
		}
		if ticket.Status == models.StatusInProgress {
			return *ticket, true, nil
		}
		if ticket.Status != models.StatusCalled || ticket.CalledAt == nil {
			continue
		}
		if lastCalled == nil || ticket.CalledAt.After(*lastCalled.CalledAt) {
			lastCalled = ticket
		}
	}
	if lastCalled == nil {
		return models.Ticket{}, false, nil
	}
	return *lastCalled, true, nil
}

func (s *Store) CallTicket(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	return s.transition(input.TicketID, store.ActionCall, func(t *models.Ticket) error {
		occurredAt := input.OccurredAt
		t.Status = models.StatusCalled
		t.CalledAt = &occurredAt
		t.CalledCount++
		return nil
	})
}

func (s *Store) StartTicket(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	return s.transition(input.TicketID, store.ActionStart, func(t *models.Ticket) error {
		for _, other := range s.tickets {
			if other.TicketID == t.TicketID {
				continue
			}
			if other.DepartmentID == t.DepartmentID && other.ServiceDate == t.ServiceDate &&
				other.Status == models.StatusInProgress {
				return store.ErrDepartmentBusy
			}
		}
		occurredAt := input.OccurredAt
		t.Status = models.StatusInProgress
		t.StartedAt = &occurredAt
		return nil
	})
}

func (s *Store) CompleteTicket(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	return s.transition(input.TicketID, store.ActionComplete, func(t *models.Ticket) error {
		occurredAt := input.OccurredAt
		t.Status = models.StatusCompleted
		t.CompletedAt = &occurredAt
		return nil
	})
}

func (s *Store) SkipTicket(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	return s.transition(input.TicketID, store.ActionSkip, func(t *models.Ticket) error {
		occurredAt := input.OccurredAt
		t.Status = models.StatusSkipped
		t.SkippedAt = &occurredAt
		return nil
	})
}

func (s *Store) CancelTicket(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	return s.transition(input.TicketID, store.ActionCancel, func(t *models.Ticket) error {
		occurredAt := input.OccurredAt
		t.Status = models.StatusCancelled
		t.CancelledAt = &occurredAt
		return nil
	})
}

func (s *Store) RecallTicket(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	return s.transition(input.TicketID, store.ActionRecall, func(t *models.Ticket) error {
		occurredAt := input.OccurredAt
		t.Status = models.StatusWaiting
		t.SkippedAt = nil
		t.RequeuedAt = &occurredAt
		return nil
	})
}

// transition applies apply under the status guard of the transition table.
// apply may still veto (department busy) without mutating the ticket.
func (s *Store) transition(ticketID, action string, apply func(*models.Ticket) error) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if !store.ValidTransition(action, ticket.Status) {
		return models.Ticket{}, &store.TransitionError{Status: ticket.Status, Action: action}
	}
	if err := apply(ticket); err != nil {
		return models.Ticket{}, err
	}
	return *ticket, nil
}

func (s *Store) AssignPatient(ctx context.Context, ticketID, patientID string, occurredAt time.Time) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if ticket.PatientID != nil || !store.ValidTransition(store.ActionAssign, ticket.Status) {
		return models.Ticket{}, store.ErrAssignmentNotAllowed
	}
	ticket.PatientID = &patientID
	return *ticket, nil
}

func (s *Store) CancelOpenTickets(ctx context.Context, departmentID, serviceDate string, occurredAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for _, ticket := range s.tickets {
		if ticket.DepartmentID != departmentID || ticket.ServiceDate != serviceDate {
			continue
		}
		if ticket.Status != models.StatusWaiting && ticket.Status != models.StatusCalled {
			continue
		}
		at := occurredAt
		ticket.Status = models.StatusCancelled
		ticket.CancelledAt = &at
		cancelled++
	}
	return cancelled, nil
}

func (s *Store) GetConfig(ctx context.Context, departmentID string) (models.DepartmentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[departmentID]
	if !ok {
		return models.DepartmentConfig{}, store.ErrDepartmentNotFound
	}
	return cfg, nil
}

func (s *Store) ListConfigs(ctx context.Context) ([]models.DepartmentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	configs := make([]models.DepartmentConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		configs = append(configs, cfg)
	}
	sort.Slice(configs, func(i, j int) bool {
		return configs[i].DepartmentID < configs[j].DepartmentID
	})
	return configs, nil
}

func (s *Store) PutConfig(ctx context.Context, cfg models.DepartmentConfig) (models.DepartmentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.NumberWidth <= 0 {
		cfg.NumberWidth = 3
	}
	if cfg.ResetSchedule == "" {
		cfg.ResetSchedule = models.ResetManual
	}
	s.configs[cfg.DepartmentID] = cfg
	return cfg, nil
}

func formatDisplayCode(prefix string, width, seq int) string {
	return fmt.Sprintf("%s%0*d", prefix, width, seq)
}
