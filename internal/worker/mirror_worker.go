package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"expenselog/internal/amqp"
	"expenselog/internal/core"
	"expenselog/internal/sheets"
)

// MirrorStore is the slice of the expense store the mirror worker needs.
type MirrorStore interface {
	GetExpense(ctx context.Context, id string) (core.Expense, error)
	IsMirrored(ctx context.Context, id string) (bool, error)
	ClaimMirror(ctx context.Context, id string, at, staleBefore time.Time) (bool, error)
	ReleaseMirror(ctx context.Context, id string) error
	MarkMirrored(ctx context.Context, id string, at time.Time) error
	PendingMirror(ctx context.Context, limit int) ([]core.Expense, error)
}

// mirrorLease is how long a claim on an expense blocks other workers. A
// claim left behind by a crashed worker is retried once it expires.
const mirrorLease = 5 * time.Minute

// MirrorWorker copies stored expenses to an external sheet.
type MirrorWorker struct {
	storage   MirrorStore
	sheets    sheets.ExpenseWriter
	batchSize int
	now       func() time.Time
}

func NewMirrorWorker(storage MirrorStore, sheets sheets.ExpenseWriter, batchSize int) *MirrorWorker {
	if batchSize < 1 {
		batchSize = 10
	}
	return &MirrorWorker{
		storage:   storage,
		sheets:    sheets,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// HandleMessage mirrors the expense named by an expense.created message.
// Messages for unknown or already mirrored expenses are acknowledged
// without writing.
func (w *MirrorWorker) HandleMessage(ctx context.Context, msg *amqp.ExpenseCreatedMessage) error {
	slog.InfoContext(ctx, "Processing expense created message", "id", msg.ID)

	expense, err := w.storage.GetExpense(ctx, msg.ID)
	if errors.Is(err, core.ErrNotFound) {
		slog.WarnContext(ctx, "Expense from message not found, dropping", "id", msg.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get expense from storage: %w", err)
	}

	mirrored, err := w.storage.IsMirrored(ctx, expense.ID)
	if err != nil {
		return fmt.Errorf("check mirror state: %w", err)
	}
	if mirrored {
		slog.DebugContext(ctx, "Expense already mirrored, skipping", "id", expense.ID)
		return nil
	}

	_, err = w.mirror(ctx, expense)
	return err
}

// ProcessPending mirrors up to one batch of expenses that were never
// mirrored, covering lost messages and worker downtime. It returns how many
// expenses were written.
func (w *MirrorWorker) ProcessPending(ctx context.Context) (int, error) {
	pending, err := w.storage.PendingMirror(ctx, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("get pending expenses: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	slog.InfoContext(ctx, "Processing pending expenses", "count", len(pending))

	mirrored := 0
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return mirrored, err
		}
		written, err := w.mirror(ctx, e)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to mirror expense", "id", e.ID, "error", err)
			continue
		}
		if written {
			mirrored++
		}
	}

	return mirrored, nil
}

// Run sweeps pending expenses every interval until ctx is cancelled.
func (w *MirrorWorker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessPending(ctx); err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "Periodic mirror sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// mirror appends e to the sheet while holding its claim, so the message
// consumer and the sweep never both write the same expense. It reports
// whether a row was written.
func (w *MirrorWorker) mirror(ctx context.Context, e core.Expense) (bool, error) {
	now := w.now()
	claimed, err := w.storage.ClaimMirror(ctx, e.ID, now, now.Add(-mirrorLease))
	if err != nil {
		return false, fmt.Errorf("claim expense: %w", err)
	}
	if !claimed {
		slog.DebugContext(ctx, "Expense mirrored or claimed elsewhere, skipping", "id", e.ID)
		return false, nil
	}

	ref, err := w.sheets.Append(ctx, e)
	if err != nil {
		if rerr := w.storage.ReleaseMirror(context.WithoutCancel(ctx), e.ID); rerr != nil {
			slog.ErrorContext(ctx, "Failed to release mirror claim", "id", e.ID, "error", rerr)
		}
		return false, fmt.Errorf("append expense to mirror: %w", err)
	}

	if err := w.storage.MarkMirrored(context.WithoutCancel(ctx), e.ID, w.now()); err != nil {
		return false, fmt.Errorf("mark expense mirrored: %w", err)
	}

	slog.InfoContext(ctx, "Expense mirrored", "id", e.ID, "mirror_ref", ref)
	return true, nil
}
