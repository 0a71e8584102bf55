package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clinicops/queue-engine/internal/models"
	"clinicops/queue-engine/internal/store"
)

func createTicket(t *testing.T, s *Store, departmentID, serviceDate string) models.Ticket {
	t.Helper()
	ticket, err := s.CreateTicket(context.Background(), store.CreateTicketInput{
		DepartmentID: departmentID,
		ServiceDate:  serviceDate,
		Prefix:       "A",
		NumberWidth:  3,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return ticket
}

func TestCreateTicketSequencesAreGapFree(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	results := make(chan models.Ticket, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := s.CreateTicket(ctx, store.CreateTicketInput{
				DepartmentID: "dept-1",
				ServiceDate:  "2026-08-31",
				Prefix:       "A",
				NumberWidth:  3,
				CreatedAt:    time.Now().UTC(),
			})
			if err != nil {
				t.Errorf("create ticket: %v", err)
				return
			}
			results <- ticket
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for ticket := range results {
		if seen[ticket.SequenceNumber] {
			t.Fatalf("duplicate sequence number %d", ticket.SequenceNumber)
		}
		seen[ticket.SequenceNumber] = true
	}
	for i := 1; i <= n; i++ {
		if !seen[i] {
			t.Fatalf("missing sequence number %d", i)
		}
	}
}

func TestSequencesAreScopedPerDepartmentAndDate(t *testing.T) {
	s := NewStore()

	a1 := createTicket(t, s, "dept-a", "2026-08-31")
	b1 := createTicket(t, s, "dept-b", "2026-08-31")
	a2 := createTicket(t, s, "dept-a", "2026-09-01")

	if a1.SequenceNumber != 1 || b1.SequenceNumber != 1 || a2.SequenceNumber != 1 {
		t.Fatalf("each scope should start at 1, got %d %d %d", a1.SequenceNumber, b1.SequenceNumber, a2.SequenceNumber)
	}
	if a1.DisplayCode != "A001" {
		t.Fatalf("display code = %q, want A001", a1.DisplayCode)
	}
}

func TestStartRejectsSecondInProgress(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	first := createTicket(t, s, "dept-1", "2026-08-31")
	second := createTicket(t, s, "dept-1", "2026-08-31")

	for _, id := range []string{first.TicketID, second.TicketID} {
		if _, err := s.CallTicket(ctx, store.TransitionInput{TicketID: id, OccurredAt: now}); err != nil {
			t.Fatalf("call: %v", err)
		}
	}
	if _, err := s.StartTicket(ctx, store.TransitionInput{TicketID: first.TicketID, OccurredAt: now}); err != nil {
		t.Fatalf("start first: %v", err)
	}
	if _, err := s.StartTicket(ctx, store.TransitionInput{TicketID: second.TicketID, OccurredAt: now}); err != store.ErrDepartmentBusy {
		t.Fatalf("start second = %v, want ErrDepartmentBusy", err)
	}

	// A different department is not affected.
	other := createTicket(t, s, "dept-2", "2026-08-31")
	if _, err := s.CallTicket(ctx, store.TransitionInput{TicketID: other.TicketID, OccurredAt: now}); err != nil {
		t.Fatalf("call other: %v", err)
	}
	if _, err := s.StartTicket(ctx, store.TransitionInput{TicketID: other.TicketID, OccurredAt: now}); err != nil {
		t.Fatalf("start other department: %v", err)
	}
}

func TestCallTwiceBumpsCalledCount(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ticket := createTicket(t, s, "dept-1", "2026-08-31")
	called, err := s.CallTicket(ctx, store.TransitionInput{TicketID: ticket.TicketID, OccurredAt: now})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if called.CalledCount != 1 {
		t.Fatalf("called count = %d, want 1", called.CalledCount)
	}

	again, err := s.CallTicket(ctx, store.TransitionInput{TicketID: ticket.TicketID, OccurredAt: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("re-call: %v", err)
	}
	if again.CalledCount != 2 {
		t.Fatalf("called count after re-call = %d, want 2", again.CalledCount)
	}
	if again.Status != models.StatusCalled {
		t.Fatalf("status = %q, want called", again.Status)
	}
}

func TestInvalidTransitionReportsCurrentStatus(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ticket := createTicket(t, s, "dept-1", "2026-08-31")
	_, err := s.CompleteTicket(ctx, store.TransitionInput{TicketID: ticket.TicketID, OccurredAt: now})
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
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatal("transition error should match ErrInvalidTransition")
	}
}

func TestRecallMovesTicketBehindWaiting(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	first := createTicket(t, s, "dept-1", "2026-08-31")
	second := createTicket(t, s, "dept-1", "2026-08-31")
	_ = second

	if _, err := s.CallTicket(ctx, store.TransitionInput{TicketID: first.TicketID, OccurredAt: now}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := s.SkipTicket(ctx, store.TransitionInput{TicketID: first.TicketID, OccurredAt: now}); err != nil {
		t.Fatalf("skip: %v", err)
	}
	recalled, err := s.RecallTicket(ctx, store.TransitionInput{TicketID: first.TicketID, OccurredAt: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if recalled.Status != models.StatusWaiting {
		t.Fatalf("recalled status = %q, want waiting", recalled.Status)
	}
	if recalled.RequeuedAt == nil {
		t.Fatal("recalled ticket should carry requeued_at")
	}

	day, err := s.ListDay(ctx, "dept-1", "2026-08-31")
	if err != nil {
		t.Fatalf("list day: %v", err)
	}
	if len(day) != 2 {
		t.Fatalf("list day len = %d, want 2", len(day))
	}
	if day[len(day)-1].TicketID != first.TicketID {
		t.Fatalf("recalled ticket should order last, got %q first=%q", day[len(day)-1].TicketID, first.TicketID)
	}
}

func TestAssignPatientExactlyOnce(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ticket := createTicket(t, s, "dept-1", "2026-08-31")
	assigned, err := s.AssignPatient(ctx, ticket.TicketID, "patient-1", now)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.PatientID == nil || *assigned.PatientID != "patient-1" {
		t.Fatalf("patient id not set: %+v", assigned.PatientID)
	}

	if _, err := s.AssignPatient(ctx, ticket.TicketID, "patient-2", now); err != store.ErrAssignmentNotAllowed {
		t.Fatalf("second assign = %v, want ErrAssignmentNotAllowed", err)
	}

	// Completed tickets cannot be assigned either.
	other := createTicket(t, s, "dept-1", "2026-08-31")
	if _, err := s.CallTicket(ctx, store.TransitionInput{TicketID: other.TicketID, OccurredAt: now}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := s.StartTicket(ctx, store.TransitionInput{TicketID: other.TicketID, OccurredAt: now}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.AssignPatient(ctx, other.TicketID, "patient-3", now); err != store.ErrAssignmentNotAllowed {
		t.Fatalf("assign in progress = %v, want ErrAssignmentNotAllowed", err)
	}
}

func TestCancelOpenTicketsLeavesInProgress(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	waiting := createTicket(t, s, "dept-1", "2026-08-31")
	called := createTicket(t, s, "dept-1", "2026-08-31")
	serving := createTicket(t, s, "dept-1", "2026-08-31")
	_ = waiting

	if _, err := s.CallTicket(ctx, store.TransitionInput{TicketID: called.TicketID, OccurredAt: now}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := s.CallTicket(ctx, store.TransitionInput{TicketID: serving.TicketID, OccurredAt: now}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := s.StartTicket(ctx, store.TransitionInput{TicketID: serving.TicketID, OccurredAt: now}); err != nil {
		t.Fatalf("start: %v", err)
	}

	cancelled, err := s.CancelOpenTickets(ctx, "dept-1", "2026-08-31", now)
	if err != nil {
		t.Fatalf("cancel open: %v", err)
	}
	if cancelled != 2 {
		t.Fatalf("cancelled = %d, want 2", cancelled)
	}

	got, err := s.GetTicket(ctx, serving.TicketID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusInProgress {
		t.Fatalf("in-progress ticket status = %q, want in_progress", got.Status)
	}
}

func TestCurrentlyServingPrefersInProgress(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	first := createTicket(t, s, "dept-1", "2026-08-31")
	second := createTicket(t, s, "dept-1", "2026-08-31")

	if _, _, err := s.CurrentlyServing(ctx, "dept-1", "2026-08-31"); err != nil {
		t.Fatalf("currently serving: %v", err)
	}

	if _, err := s.CallTicket(ctx, store.TransitionInput{TicketID: first.TicketID, OccurredAt: now}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := s.CallTicket(ctx, store.TransitionInput{TicketID: second.TicketID, OccurredAt: now.Add(time.Second)}); err != nil {
		t.Fatalf("call: %v", err)
	}

	current, found, err := s.CurrentlyServing(ctx, "dept-1", "2026-08-31")
	if err != nil || !found {
		t.Fatalf("currently serving: found=%v err=%v", found, err)
	}
	if current.TicketID != second.TicketID {
		t.Fatalf("most recently called should win, got %q", current.TicketID)
	}

	if _, err := s.StartTicket(ctx, store.TransitionInput{TicketID: first.TicketID, OccurredAt: now}); err != nil {
		t.Fatalf("start: %v", err)
	}
	current, found, err = s.CurrentlyServing(ctx, "dept-1", "2026-08-31")
	if err != nil || !found {
		t.Fatalf("currently serving: found=%v err=%v", found, err)
	}
	if current.TicketID != first.TicketID {
		t.Fatalf("in-progress ticket should win, got %q", current.TicketID)
	}
}
