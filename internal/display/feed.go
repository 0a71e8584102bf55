// Package display derives the public "now serving" board from queue state.
// Boards carry display codes only; ticket ids and patient references never
// reach display clients.
package display

import (
	"context"
	"sync"
	"time"

	"clinicops/queue-engine/internal/engine"
	"clinicops/queue-engine/internal/models"
)

// QueueReader is the read-only slice of the engine the feed depends on.
type QueueReader interface {
	Today(ctx context.Context, departmentID string) ([]models.Ticket, error)
	CurrentlyServing(ctx context.Context, departmentID string) (models.Ticket, bool, error)
}

type Board struct {
	DepartmentID string    `json:"department_id"`
	NowServing   string    `json:"now_serving,omitempty"`
	NextUp       []string  `json:"next_up"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Options struct {
	// NextUpLimit caps the next-up list shown on boards.
	NextUpLimit int
	// MaxAge is the staleness tolerance for cached boards; reads within it
	// never touch the store.
	MaxAge time.Duration
	Clock  engine.Clock
}

type Feed struct {
	queue  QueueReader
	clock  engine.Clock
	limit  int
	maxAge time.Duration

	mu     sync.RWMutex
	boards map[string]cachedBoard
}

type cachedBoard struct {
	board     Board
	fetchedAt time.Time
}

func NewFeed(queue QueueReader, options Options) *Feed {
	limit := options.NextUpLimit
	if limit <= 0 {
		limit = 5
	}
	maxAge := options.MaxAge
	if maxAge <= 0 {
		maxAge = 2 * time.Second
	}
	clock := options.Clock
	if clock == nil {
		clock = engine.SystemClock()
	}
	return &Feed{
		queue:  queue,
		clock:  clock,
		limit:  limit,
		maxAge: maxAge,
		boards: make(map[string]cachedBoard),
	}
}

// Board returns the department's board, served from cache while within the
// staleness tolerance.
func (f *Feed) Board(ctx context.Context, departmentID string) (Board, error) {
	now := f.clock.Now()
	f.mu.RLock()
	cached, ok := f.boards[departmentID]
	f.mu.RUnlock()
	if ok && now.Sub(cached.fetchedAt) < f.maxAge {
		return cached.board, nil
	}
	return f.Refresh(ctx, departmentID)
}

// Refresh rebuilds the board from queue state and updates the cache.
func (f *Feed) Refresh(ctx context.Context, departmentID string) (Board, error) {
	board := Board{
		DepartmentID: departmentID,
		NextUp:       []string{},
		UpdatedAt:    f.clock.Now().UTC(),
	}

	serving, ok, err := f.queue.CurrentlyServing(ctx, departmentID)
	if err != nil {
		return Board{}, err
	}
	if ok {
		board.NowServing = serving.DisplayCode
	}

	tickets, err := f.queue.Today(ctx, departmentID)
	if err != nil {
		return Board{}, err
	}
	for _, ticket := range tickets {
		if ticket.Status != models.StatusWaiting {
			continue
		}
		board.NextUp = append(board.NextUp, ticket.DisplayCode)
		if len(board.NextUp) >= f.limit {
			break
		}
	}

	f.mu.Lock()
	f.boards[departmentID] = cachedBoard{board: board, fetchedAt: f.clock.Now()}
	f.mu.Unlock()
	return board, nil
}
