package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"expenselog/internal/cache"
	"expenselog/internal/core"
	"expenselog/internal/log"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Store is the persistence the service depends on.
type Store interface {
	Insert(ctx context.Context, e core.Expense) (core.Expense, error)
	FindByRequestID(ctx context.Context, requestID string) (core.Expense, error)
	List(ctx context.Context, q core.ListQuery) ([]core.Expense, error)
	Filters(ctx context.Context) (core.Filters, error)
	Ping(ctx context.Context) error
	Close() error
}

// Publisher announces newly created expenses.
type Publisher interface {
	PublishExpenseCreated(ctx context.Context, e core.Expense) error
	Close() error
}

// ExpenseService orchestrates expense operations across SQLite and AMQP
type ExpenseService struct {
	store     Store
	publisher Publisher
	replay    *cache.LRUCache[core.Expense]
	group     singleflight.Group
	logger    *log.StructuredLogger

	newID func() string
	now   func() time.Time
}

// NewExpenseService wires the service. publisher and replay may be nil.
func NewExpenseService(store Store, publisher Publisher, replay *cache.LRUCache[core.Expense]) *ExpenseService {
	return &ExpenseService{
		store:     store,
		publisher: publisher,
		replay:    replay,
		logger:    log.NewStructuredLogger(log.FromContext(context.Background()).WithComponent(log.ComponentExpense)),
		newID:     func() string { return uuid.NewString() },
		now:       time.Now,
	}
}

// CreateExpense stores a new expense unless one already exists for the same
// request id, in which case the existing record is returned unchanged.
func (s *ExpenseService) CreateExpense(ctx context.Context, in core.NewExpense) (core.Expense, error) {
	amount, err := in.Validate()
	if err != nil {
		return core.Expense{}, err
	}

	// Callers coalesced on one request id share this work, so it must not
	// stop when the first caller goes away.
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(in.RequestID, func() (any, error) {
		return s.create(shared, in, amount)
	})
	if err != nil {
		return core.Expense{}, err
	}
	return v.(core.Expense), nil
}

func (s *ExpenseService) create(ctx context.Context, in core.NewExpense, amount core.Money) (core.Expense, error) {
	if existing, ok := s.cached(in.RequestID); ok {
		s.logReplay(ctx, existing)
		return existing, nil
	}

	existing, err := s.store.FindByRequestID(ctx, in.RequestID)
	switch {
	case err == nil:
		s.remember(existing)
		s.logReplay(ctx, existing)
		return existing, nil
	case !errors.Is(err, core.ErrNotFound):
		return core.Expense{}, fmt.Errorf("lookup request id: %w", err)
	}

	e := core.Expense{
		ID:          s.newID(),
		Amount:      amount,
		Category:    in.Category,
		Description: in.Description,
		Date:        in.Date,
		CreatedAt:   s.now().UTC().Round(0),
		RequestID:   in.RequestID,
	}

	saved, err := s.store.Insert(ctx, e)
	if errors.Is(err, core.ErrConflict) {
		// Another writer committed the same request id first.
		winner, ferr := s.store.FindByRequestID(ctx, in.RequestID)
		if ferr != nil {
			return core.Expense{}, fmt.Errorf("reload after conflict: %w", ferr)
		}
		s.remember(winner)
		s.logReplay(ctx, winner)
		return winner, nil
	}
	if err != nil {
		return core.Expense{}, fmt.Errorf("save expense: %w", err)
	}

	s.remember(saved)
	s.logger.LogExpenseCreated(ctx, saved.ID, saved.RequestID, saved.Amount.Cents, saved.Category, saved.Date, false)

	if err := s.publishCreated(ctx, saved); err != nil {
		slog.ErrorContext(ctx, "Failed to publish expense created message",
			"id", saved.ID, "error", err)
		// The record is committed; the mirror sweep picks it up later.
	}

	return saved, nil
}

// ListExpenses returns the expenses matching q, sorted by date descending
// unless another order was requested.
func (s *ExpenseService) ListExpenses(ctx context.Context, q core.ListQuery) ([]core.Expense, error) {
	expenses, err := s.store.List(ctx, q.Normalize())
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	return expenses, nil
}

// Filters returns the categories and dates present in the store.
func (s *ExpenseService) Filters(ctx context.Context) (core.Filters, error) {
	f, err := s.store.Filters(ctx)
	if err != nil {
		return core.Filters{}, fmt.Errorf("list filters: %w", err)
	}
	return f, nil
}

// Ready reports whether the store can serve requests.
func (s *ExpenseService) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *ExpenseService) cached(requestID string) (core.Expense, bool) {
	if s.replay == nil {
		return core.Expense{}, false
	}
	return s.replay.Get(requestID)
}

func (s *ExpenseService) remember(e core.Expense) {
	if s.replay != nil {
		s.replay.Set(e.RequestID, e)
	}
}

func (s *ExpenseService) logReplay(ctx context.Context, e core.Expense) {
	s.logger.LogExpenseCreated(ctx, e.ID, e.RequestID, e.Amount.Cents, e.Category, e.Date, true)
}

func (s *ExpenseService) publishCreated(ctx context.Context, e core.Expense) error {
	if s.publisher == nil {
		slog.DebugContext(ctx, "AMQP publisher not configured, skipping expense created message")
		return nil
	}
	return s.publisher.PublishExpenseCreated(ctx, e)
}

// Close closes both storage and AMQP connections
func (s *ExpenseService) Close() error {
	var errs []error

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("amqp: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close expense service: %w", errors.Join(errs...))
	}

	return nil
}
