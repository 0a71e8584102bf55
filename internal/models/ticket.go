package models

import "time"

// Ticket is one queue position issued to a walk-in for a department on a
// given service date. DisplayCode is the label shown on kiosk and board
// screens; SequenceNumber is unique within (department, service date).
type Ticket struct {
	TicketID       string     `json:"ticket_id"`
	DepartmentID   string     `json:"department_id"`
	ServiceDate    string     `json:"service_date"`
	SequenceNumber int        `json:"sequence_number"`
	DisplayCode    string     `json:"display_code"`
	Status         string     `json:"status"`
	PatientID      *string    `json:"patient_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CalledAt       *time.Time `json:"called_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	SkippedAt      *time.Time `json:"skipped_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	RequeuedAt     *time.Time `json:"requeued_at,omitempty"`
	CalledCount    int        `json:"called_count"`
}

const (
	StatusWaiting    = "waiting"
	StatusCalled     = "called"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusSkipped    = "skipped"
	StatusCancelled  = "cancelled"
)

// Open reports whether the ticket still holds a live queue position.
func (t Ticket) Open() bool {
	switch t.Status {
	case StatusWaiting, StatusCalled, StatusInProgress:
		return true
	}
	return false
}

// ServiceDateFormat is the layout of Ticket.ServiceDate, a calendar date in
// the clinic-local timezone.
const ServiceDateFormat = "2006-01-02"
