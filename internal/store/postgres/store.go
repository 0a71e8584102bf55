package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clinicops/queue-engine/internal/models"
	"clinicops/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketColumns = `ticket_id, department_id, service_date, sequence_number, display_code,
		status, patient_id, created_at, called_at, started_at, completed_at, skipped_at,
		cancelled_at, requeued_at, called_count`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, mapPgError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// Counter bump and ticket insert commit or roll back together, so the
	// scope never shows a sequence number without a stored ticket.
	seq, err := nextSequence(ctx, tx, input.DepartmentID, input.ServiceDate)
	if err != nil {
		return models.Ticket{}, mapPgError(err)
	}

	width := input.NumberWidth
	if width <= 0 {
		width = 3
	}
	displayCode := fmt.Sprintf("%s%0*d", input.Prefix, width, seq)

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	ticketID := uuid.NewString()
	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, department_id, service_date, sequence_number, display_code,
			status, created_at, called_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
		RETURNING `+ticketColumns+`
	`, ticketID, input.DepartmentID, input.ServiceDate, seq, displayCode, models.StatusWaiting, createdAt)

	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, mapPgError(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, mapPgError(err)
	}
	return ticket, nil
}

func nextSequence(ctx context.Context, tx pgx.Tx, departmentID, serviceDate string) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (department_id, service_date, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (department_id, service_date)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, departmentID, serviceDate)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, mapPgError(err)
	}
	return ticket, nil
}

func (s *Store) ListDay(ctx context.Context, departmentID, serviceDate string) ([]models.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE service_date = $1
	`
	args := []interface{}{serviceDate}
	if departmentID != "" {
		query += " AND department_id = $2"
		args = append(args, departmentID)
	}
	// Recalled tickets re-enter at the back of the call order, by recall time.
	query += " ORDER BY department_id, (requeued_at IS NOT NULL), requeued_at, sequence_number"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, mapPgError(err)
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	return tickets, nil
}

func (s *Store) CurrentlyServing(ctx context.Context, departmentID, serviceDate string) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE department_id = $1 AND service_date = $2
			AND status IN ('in_progress', 'called')
		ORDER BY (status = 'in_progress') DESC, called_at DESC
		LIMIT 1
	`, departmentID, serviceDate)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, mapPgError(err)
	}
	return ticket, true, nil
}

func (s *Store) CallTicket(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	return s.applyTransition(ctx, store.ActionCall, input.TicketID, `
		UPDATE tickets
		SET status = 'called',
			called_at = $2,
			called_count = called_count + 1
		WHERE ticket_id = $1 AND status IN ('waiting', 'called')
		RETURNING `+ticketColumns, input.OccurredAt)
}

func (s *Store) StartTicket(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	// The partial unique index tickets_one_in_progress makes the busy check
	// atomic with the transition; the loser sees a unique violation.
	ticket, err := s.applyTransition(ctx, store.ActionStart, input.TicketID, `
		UPDATE tickets
		SET status = 'in_progress',
			started_at = $2
		WHERE ticket_id = $1 AND status = 'called'
		RETURNING `+ticketColumns, input.OccurredAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "tickets_one_in_progress" {
			return models.Ticket{}, store.ErrDepartmentBusy
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) CompleteTicket(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	return s.applyTransition(ctx, store.ActionComplete, input.TicketID, `
		UPDATE tickets
		SET status = 'completed',
			completed_at = $2
		WHERE ticket_id = $1 AND status = 'in_progress'
		RETURNING `+ticketColumns, input.OccurredAt)
}

func (s *Store) SkipTicket(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	return s.applyTransition(ctx, store.ActionSkip, input.TicketID, `
		UPDATE tickets
		SET status = 'skipped',
			skipped_at = $2
		WHERE ticket_id = $1 AND status IN ('waiting', 'called')
		RETURNING `+ticketColumns, input.OccurredAt)
}

func (s *Store) CancelTicket(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	return s.applyTransition(ctx, store.ActionCancel, input.TicketID, `
		UPDATE tickets
		SET status = 'cancelled',
			cancelled_at = $2
		WHERE ticket_id = $1 AND status IN ('waiting', 'called', 'in_progress')
		RETURNING `+ticketColumns, input.OccurredAt)
}

func (s *Store) RecallTicket(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	return s.applyTransition(ctx, store.ActionRecall, input.TicketID, `
		UPDATE tickets
		SET status = 'waiting',
			skipped_at = NULL,
			requeued_at = $2
		WHERE ticket_id = $1 AND status = 'skipped'
		RETURNING `+ticketColumns, input.OccurredAt)
}

func (s *Store) applyTransition(ctx context.Context, action, ticketID, query string, occurredAt time.Time) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, query, ticketID, occurredAt)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, s.resolveTransitionFailure(ctx, ticketID, action)
		}
		return models.Ticket{}, mapPgError(err)
	}
	return ticket, nil
}

// resolveTransitionFailure distinguishes a missing ticket from a ticket whose
// status no longer permits the action.
func (s *Store) resolveTransitionFailure(ctx context.Context, ticketID, action string) error {
	var status string
	row := s.pool.QueryRow(ctx, `
		SELECT status FROM tickets WHERE ticket_id = $1
	`, ticketID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTicketNotFound
		}
		return mapPgError(err)
	}
	return &store.TransitionError{Status: status, Action: action}
}

func (s *Store) AssignPatient(ctx context.Context, ticketID, patientID string, occurredAt time.Time) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tickets
		SET patient_id = $2
		WHERE ticket_id = $1 AND patient_id IS NULL AND status IN ('waiting', 'called')
		RETURNING `+ticketColumns, ticketID, patientID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var status string
			var existing sql.NullString
			check := s.pool.QueryRow(ctx, `
				SELECT status, patient_id FROM tickets WHERE ticket_id = $1
			`, ticketID)
			if err := check.Scan(&status, &existing); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return models.Ticket{}, store.ErrTicketNotFound
				}
				return models.Ticket{}, mapPgError(err)
			}
			return models.Ticket{}, store.ErrAssignmentNotAllowed
		}
		return models.Ticket{}, mapPgError(err)
	}
	return ticket, nil
}

func (s *Store) CancelOpenTickets(ctx context.Context, departmentID, serviceDate string, occurredAt time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tickets
		SET status = 'cancelled',
			cancelled_at = $3
		WHERE department_id = $1 AND service_date = $2 AND status IN ('waiting', 'called')
	`, departmentID, serviceDate, occurredAt)
	if err != nil {
		return 0, mapPgError(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) GetConfig(ctx context.Context, departmentID string) (models.DepartmentConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT department_id, prefix, number_width, reset_schedule, allow_recall_after_skip
		FROM department_queue_configs
		WHERE department_id = $1
	`, departmentID)
	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DepartmentConfig{}, store.ErrDepartmentNotFound
		}
		return models.DepartmentConfig{}, mapPgError(err)
	}
	return cfg, nil
}

func (s *Store) ListConfigs(ctx context.Context) ([]models.DepartmentConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT department_id, prefix, number_width, reset_schedule, allow_recall_after_skip
		FROM department_queue_configs
		ORDER BY department_id ASC
	`)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var configs []models.DepartmentConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, mapPgError(err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	return configs, nil
}

func (s *Store) PutConfig(ctx context.Context, cfg models.DepartmentConfig) (models.DepartmentConfig, error) {
	if cfg.NumberWidth <= 0 {
		cfg.NumberWidth = 3
	}
	if cfg.ResetSchedule == "" {
		cfg.ResetSchedule = models.ResetManual
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO department_queue_configs (
			department_id, prefix, number_width, reset_schedule, allow_recall_after_skip
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (department_id)
		DO UPDATE SET prefix = $2, number_width = $3, reset_schedule = $4, allow_recall_after_skip = $5
	`, cfg.DepartmentID, cfg.Prefix, cfg.NumberWidth, cfg.ResetSchedule, cfg.AllowRecallAfterSkip)
	if err != nil {
		return models.DepartmentConfig{}, mapPgError(err)
	}
	return cfg, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (models.Ticket, error) {
	var ticket models.Ticket
	var serviceDate time.Time
	var patientIDNull sql.NullString
	var calledAtNull, startedAtNull, completedAtNull, skippedAtNull, cancelledAtNull, requeuedAtNull sql.NullTime
	if err := row.Scan(
		&ticket.TicketID, &ticket.DepartmentID, &serviceDate, &ticket.SequenceNumber,
		&ticket.DisplayCode, &ticket.Status, &patientIDNull, &ticket.CreatedAt,
		&calledAtNull, &startedAtNull, &completedAtNull, &skippedAtNull,
		&cancelledAtNull, &requeuedAtNull, &ticket.CalledCount,
	); err != nil {
		return models.Ticket{}, err
	}
	ticket.ServiceDate = serviceDate.Format(models.ServiceDateFormat)
	ticket.PatientID = nullStringPtr(patientIDNull)
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.StartedAt = nullTimePtr(startedAtNull)
	ticket.CompletedAt = nullTimePtr(completedAtNull)
	ticket.SkippedAt = nullTimePtr(skippedAtNull)
	ticket.CancelledAt = nullTimePtr(cancelledAtNull)
	ticket.RequeuedAt = nullTimePtr(requeuedAtNull)
	return ticket, nil
}

func scanConfig(row rowScanner) (models.DepartmentConfig, error) {
	var cfg models.DepartmentConfig
	if err := row.Scan(&cfg.DepartmentID, &cfg.Prefix, &cfg.NumberWidth, &cfg.ResetSchedule, &cfg.AllowRecallAfterSkip); err != nil {
		return models.DepartmentConfig{}, err
	}
	return cfg, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	s := value.String
	return &s
}

// mapPgError surfaces serialization and deadlock failures as a conflict the
// caller can re-fetch and retry deliberately.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return store.ErrConcurrencyConflict
		}
	}
	return err
}
