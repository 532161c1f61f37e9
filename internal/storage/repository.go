package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"expenselog/internal/core"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type SQLiteRepository struct {
	db *sql.DB
}

// DSN builds the connection string for dbPath. Every connection waits on
// the write lock instead of failing, and commits are fsynced before they
// return.
func DSN(dbPath string) string {
	v := url.Values{}
	v.Add("_pragma", "busy_timeout(5000)")
	v.Add("_pragma", "journal_mode(WAL)")
	v.Add("_pragma", "synchronous(FULL)")
	return dbPath + "?" + v.Encode()
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := DSN(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Insert persists a new expense. It returns core.ErrConflict when another
// record already carries the same request_id.
func (r *SQLiteRepository) Insert(ctx context.Context, e core.Expense) (core.Expense, error) {
	_, err := r.db.ExecContext(ctx, insertExpense,
		e.ID,
		e.Amount.Cents,
		e.Category,
		e.Description,
		e.Date,
		formatTime(e.CreatedAt),
		e.RequestID,
	)
	if err != nil {
		if isRequestIDConflict(err) {
			return core.Expense{}, fmt.Errorf("insert expense %s: %w", e.RequestID, core.ErrConflict)
		}
		return core.Expense{}, unavailable("insert expense", err)
	}

	slog.InfoContext(ctx, "Expense saved to SQLite",
		"id", e.ID,
		"request_id", e.RequestID,
		"amount_cents", e.Amount.Cents,
		"category", e.Category,
		"date", e.Date)

	return e, nil
}

// FindByRequestID returns the expense created for token, or core.ErrNotFound.
func (r *SQLiteRepository) FindByRequestID(ctx context.Context, token string) (core.Expense, error) {
	e, err := scanExpense(r.db.QueryRowContext(ctx, getExpenseByRequestID, token))
	if err != nil {
		return core.Expense{}, wrapQuery("find by request id", err)
	}
	return e, nil
}

// GetExpense retrieves a single expense by ID
func (r *SQLiteRepository) GetExpense(ctx context.Context, id string) (core.Expense, error) {
	e, err := scanExpense(r.db.QueryRowContext(ctx, getExpenseByID, id))
	if err != nil {
		return core.Expense{}, wrapQuery("get expense by id", err)
	}
	return e, nil
}

// List returns the expenses matching q. With core.SortDateDesc records are
// ordered by date descending, ties in insertion order; any other order
// returns plain insertion order.
func (r *SQLiteRepository) List(ctx context.Context, q core.ListQuery) ([]core.Expense, error) {
	var (
		where []string
		args  []any
	)
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, q.Category)
	}
	if q.Date != "" {
		where = append(where, "date = ?")
		args = append(args, q.Date)
	}

	query := listExpenses
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Sort.Sorted() {
		query += " ORDER BY date DESC, seq ASC"
	} else {
		query += " ORDER BY seq ASC"
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list expenses", err)
	}
	defer rows.Close()

	expenses := make([]core.Expense, 0)
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, unavailable("scan expense", err)
		}
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate expenses", err)
	}

	return expenses, nil
}

// Filters returns the distinct categories (ascending) and dates (newest first).
func (r *SQLiteRepository) Filters(ctx context.Context) (core.Filters, error) {
	categories, err := r.column(ctx, listCategories)
	if err != nil {
		return core.Filters{}, unavailable("list categories", err)
	}

	dates, err := r.column(ctx, listDates)
	if err != nil {
		return core.Filters{}, unavailable("list dates", err)
	}

	return core.Filters{Categories: categories, Dates: dates}, nil
}

// PendingMirror returns up to limit expenses not yet mirrored, oldest first.
func (r *SQLiteRepository) PendingMirror(ctx context.Context, limit int) ([]core.Expense, error) {
	rows, err := r.db.QueryContext(ctx, listPendingMirror, limit)
	if err != nil {
		return nil, unavailable("get pending mirror expenses", err)
	}
	defer rows.Close()

	var expenses []core.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, unavailable("scan expense", err)
		}
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate pending expenses", err)
	}

	return expenses, nil
}

// IsMirrored reports whether the expense was already copied to the mirror.
func (r *SQLiteRepository) IsMirrored(ctx context.Context, id string) (bool, error) {
	var mirrored bool
	if err := r.db.QueryRowContext(ctx, isMirrored, id).Scan(&mirrored); err != nil {
		return false, wrapQuery("is mirrored", err)
	}
	return mirrored, nil
}

// ClaimMirror takes the mirror lease on an expense. It returns false when
// the expense is already mirrored or another worker claimed it after
// staleBefore.
func (r *SQLiteRepository) ClaimMirror(ctx context.Context, id string, at, staleBefore time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, claimMirror, at.UnixNano(), id, staleBefore.UnixNano())
	if err != nil {
		return false, unavailable("claim expense mirror", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("claim expense mirror", err)
	}
	return n == 1, nil
}

// ReleaseMirror drops a lease taken by ClaimMirror so the expense can be
// retried right away.
func (r *SQLiteRepository) ReleaseMirror(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, releaseMirror, id); err != nil {
		return unavailable("release expense mirror", err)
	}
	return nil
}

// MarkMirrored records that an expense was copied to the mirror. Marking an
// already mirrored expense keeps the first timestamp.
func (r *SQLiteRepository) MarkMirrored(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, markMirrored, formatTime(at), id); err != nil {
		return unavailable("mark expense mirrored", err)
	}

	slog.InfoContext(ctx, "Expense marked as mirrored", "id", id)
	return nil
}

func (r *SQLiteRepository) column(ctx context.Context, query string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExpense(s scanner) (core.Expense, error) {
	var (
		e         core.Expense
		createdAt string
	)
	if err := s.Scan(&e.ID, &e.Amount.Cents, &e.Category, &e.Description, &e.Date, &createdAt, &e.RequestID); err != nil {
		return core.Expense{}, err
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return core.Expense{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	e.CreatedAt = t

	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// isRequestIDConflict matches only the request_id unique index; other
// constraint failures are storage faults.
func isRequestIDConflict(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE &&
		strings.Contains(sqliteErr.Error(), "expenses.request_id")
}

func wrapQuery(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	}
	return unavailable(op, err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, core.ErrStoreUnavailable, err)
}
