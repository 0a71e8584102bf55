package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"clinicops/queue-engine/internal/models"
	"clinicops/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const testServiceDate = "2026-08-31"

func TestCreateTicketConcurrentSequences(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()

	const n = 20
	var wg sync.WaitGroup
	results := make(chan models.Ticket, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := st.CreateTicket(ctx, store.CreateTicketInput{
				DepartmentID: departmentID,
				ServiceDate:  testServiceDate,
				Prefix:       "A",
				NumberWidth:  3,
				CreatedAt:    time.Now().UTC(),
			})
			if err != nil {
				errs <- err
				return
			}
			results <- ticket
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("create ticket: %v", err)
	}

	seen := make(map[int]bool)
	for ticket := range results {
		if seen[ticket.SequenceNumber] {
			t.Fatalf("duplicate sequence number %d", ticket.SequenceNumber)
		}
		seen[ticket.SequenceNumber] = true
	}
	for i := 1; i <= n; i++ {
		if !seen[i] {
			t.Fatalf("sequence numbers have a gap at %d", i)
		}
	}
}

func TestStartTicketSingleWinner(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	now := time.Now().UTC()

	var called []models.Ticket
	for i := 0; i < 2; i++ {
		ticket := createTicket(t, ctx, st, departmentID)
		if _, err := st.CallTicket(ctx, store.TransitionInput{TicketID: ticket.TicketID, OccurredAt: now}); err != nil {
			t.Fatalf("call: %v", err)
		}
		called = append(called, ticket)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(called))
	for _, ticket := range called {
		wg.Add(1)
		go func(ticketID string) {
			defer wg.Done()
			_, err := st.StartTicket(ctx, store.TransitionInput{TicketID: ticketID, OccurredAt: now})
			errs <- err
		}(ticket.TicketID)
	}
	wg.Wait()
	close(errs)

	var started, busy int
	for err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, store.ErrDepartmentBusy):
			busy++
		default:
			t.Fatalf("start: %v", err)
		}
	}
	if started != 1 || busy != 1 {
		t.Fatalf("started=%d busy=%d, want exactly one winner", started, busy)
	}
}

func TestTransitionGuardReportsStatus(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ticket := createTicket(t, ctx, st, uuid.NewString())
	now := time.Now().UTC()

	_, err := st.CompleteTicket(ctx, store.TransitionInput{TicketID: ticket.TicketID, OccurredAt: now})
	if err == nil {
		t.Fatal("complete from waiting should fail")
	}
	var terr *store.TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("error type = %T, want TransitionError", err)
	}
	if terr.Status != models.StatusWaiting {
		t.Fatalf("reported status = %q, want waiting", terr.Status)
	}

	if _, err := st.CompleteTicket(ctx, store.TransitionInput{TicketID: uuid.NewString(), OccurredAt: now}); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("unknown ticket = %v, want ErrTicketNotFound", err)
	}
}

func TestAssignPatientOnce(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ticket := createTicket(t, ctx, st, uuid.NewString())
	now := time.Now().UTC()

	assigned, err := st.AssignPatient(ctx, ticket.TicketID, "patient-1", now)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.PatientID == nil || *assigned.PatientID != "patient-1" {
		t.Fatalf("patient id = %+v", assigned.PatientID)
	}
	if _, err := st.AssignPatient(ctx, ticket.TicketID, "patient-2", now); !errors.Is(err, store.ErrAssignmentNotAllowed) {
		t.Fatalf("second assign = %v, want ErrAssignmentNotAllowed", err)
	}
}

func TestCancelOpenTickets(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	now := time.Now().UTC()

	createTicket(t, ctx, st, departmentID)
	serving := createTicket(t, ctx, st, departmentID)
	if _, err := st.CallTicket(ctx, store.TransitionInput{TicketID: serving.TicketID, OccurredAt: now}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := st.StartTicket(ctx, store.TransitionInput{TicketID: serving.TicketID, OccurredAt: now}); err != nil {
		t.Fatalf("start: %v", err)
	}

	cancelled, err := st.CancelOpenTickets(ctx, departmentID, testServiceDate, now)
	if err != nil {
		t.Fatalf("cancel open: %v", err)
	}
	if cancelled != 1 {
		t.Fatalf("cancelled = %d, want 1", cancelled)
	}

	got, err := st.GetTicket(ctx, serving.TicketID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusInProgress {
		t.Fatalf("in-progress status after reset = %q", got.Status)
	}
}

func TestConfigRoundtrip(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID := uuid.NewString()
	if _, err := st.GetConfig(ctx, departmentID); !errors.Is(err, store.ErrDepartmentNotFound) {
		t.Fatalf("missing config = %v, want ErrDepartmentNotFound", err)
	}

	cfg := models.DepartmentConfig{
		DepartmentID:         departmentID,
		Prefix:               "B",
		NumberWidth:          4,
		ResetSchedule:        "17:30",
		AllowRecallAfterSkip: true,
	}
	if _, err := st.PutConfig(ctx, cfg); err != nil {
		t.Fatalf("put config: %v", err)
	}

	got, err := st.GetConfig(ctx, departmentID)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if got != cfg {
		t.Fatalf("config roundtrip = %+v, want %+v", got, cfg)
	}

	cfg.ResetSchedule = models.ResetManual
	if _, err := st.PutConfig(ctx, cfg); err != nil {
		t.Fatalf("update config: %v", err)
	}
	got, err = st.GetConfig(ctx, departmentID)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if got.ResetSchedule != models.ResetManual {
		t.Fatalf("reset schedule = %q, want manual", got.ResetSchedule)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return NewStore(pool), pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func createTicket(t *testing.T, ctx context.Context, st *Store, departmentID string) models.Ticket {
	t.Helper()
	ticket, err := st.CreateTicket(ctx, store.CreateTicketInput{
		DepartmentID: departmentID,
		ServiceDate:  testServiceDate,
		Prefix:       "A",
		NumberWidth:  3,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return ticket
}
