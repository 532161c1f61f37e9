package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"expenselog/internal/core"
)

func newTestRepo(t *testing.T) (*SQLiteRepository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "expenses.db")
	repo, err := NewSQLiteRepository(path)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo, path
}

func expense(n int, category, date string) core.Expense {
	return core.Expense{
		ID:          fmt.Sprintf("id-%d", n),
		Amount:      core.Money{Cents: int64(100 * n)},
		Category:    category,
		Description: fmt.Sprintf("item %d", n),
		Date:        date,
		CreatedAt:   time.Date(2024, 5, 1, 10, 0, n, 123456000, time.UTC),
		RequestID:   fmt.Sprintf("req-%d", n),
	}
}

func TestInsertAndFindByRequestID(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	want := expense(1, "Food", "2024-01-01")
	want.Amount = core.Money{Cents: 1234}
	if _, err := repo.Insert(ctx, want); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := repo.FindByRequestID(ctx, "req-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != want.ID || got.Amount.Cents != 1234 || got.Category != "Food" ||
		got.Description != want.Description || got.Date != want.Date || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("unexpected record: %+v", got)
	}

	if _, err := repo.FindByRequestID(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertDuplicateRequestIDConflicts(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	first := expense(1, "Food", "2024-01-01")
	if _, err := repo.Insert(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dup := expense(2, "Travel", "2024-02-02")
	dup.RequestID = first.RequestID
	_, err := repo.Insert(ctx, dup)
	if !errors.Is(err, core.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	all, err := repo.List(ctx, core.ListQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].ID != first.ID {
		t.Fatalf("expected only the first record, got %+v", all)
	}
}

func TestInsertDuplicateIDIsNotConflict(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.Insert(ctx, expense(1, "Food", "2024-01-01")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := expense(1, "Food", "2024-01-01")
	dup.RequestID = "other"
	_, err := repo.Insert(ctx, dup)
	if errors.Is(err, core.ErrConflict) {
		t.Fatalf("primary key collision must not be reported as a request_id conflict")
	}
	if !errors.Is(err, core.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestListFilterAndSort(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	seed := []core.Expense{
		expense(1, "Food", "2024-01-01"),
		expense(2, "Travel", "2024-03-15"),
		expense(3, "Food", "2024-02-10"),
		expense(4, "Food", "2024-02-10"),
	}
	for _, e := range seed {
		if _, err := repo.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	tests := []struct {
		name string
		q    core.ListQuery
		want []string
	}{
		{"date desc with stable ties", core.ListQuery{Sort: core.SortDateDesc}, []string{"id-2", "id-3", "id-4", "id-1"}},
		{"category filter", core.ListQuery{Category: "Food", Sort: core.SortDateDesc}, []string{"id-3", "id-4", "id-1"}},
		{"category is exact match", core.ListQuery{Category: "food"}, nil},
		{"date filter", core.ListQuery{Date: "2024-02-10", Sort: core.SortDateDesc}, []string{"id-3", "id-4"}},
		{"unknown sort keeps insertion order", core.ListQuery{Sort: "amount"}, []string{"id-1", "id-2", "id-3", "id-4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.List(ctx, tt.q)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if got == nil {
				t.Fatalf("list must return an empty slice, not nil")
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d records, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}
}

func TestFilters(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	f, err := repo.Filters(ctx)
	if err != nil {
		t.Fatalf("filters: %v", err)
	}
	if len(f.Categories) != 0 || len(f.Dates) != 0 {
		t.Fatalf("expected empty filters, got %+v", f)
	}

	for _, e := range []core.Expense{
		expense(1, "Travel", "2024-01-01"),
		expense(2, "Food", "2024-03-15"),
		expense(3, "Food", "2024-01-01"),
	} {
		if _, err := repo.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	f, err = repo.Filters(ctx)
	if err != nil {
		t.Fatalf("filters: %v", err)
	}
	if len(f.Categories) != 2 || f.Categories[0] != "Food" || f.Categories[1] != "Travel" {
		t.Fatalf("unexpected categories: %v", f.Categories)
	}
	if len(f.Dates) != 2 || f.Dates[0] != "2024-03-15" || f.Dates[1] != "2024-01-01" {
		t.Fatalf("unexpected dates: %v", f.Dates)
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	repo, path := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.Insert(ctx, expense(1, "Food", "2024-01-01")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewSQLiteRepository(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.FindByRequestID(ctx, "req-1")
	if err != nil {
		t.Fatalf("find after reopen: %v", err)
	}
	if got.ID != "id-1" {
		t.Fatalf("unexpected record after reopen: %+v", got)
	}
}

func TestMirrorBookkeeping(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := repo.Insert(ctx, expense(i, "Food", "2024-01-01")); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	pending, err := repo.PendingMirror(ctx, 2)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "id-1" || pending[1].ID != "id-2" {
		t.Fatalf("unexpected pending batch: %+v", pending)
	}

	if err := repo.MarkMirrored(ctx, "id-1", time.Now()); err != nil {
		t.Fatalf("mark mirrored: %v", err)
	}
	mirrored, err := repo.IsMirrored(ctx, "id-1")
	if err != nil || !mirrored {
		t.Fatalf("expected id-1 mirrored, got %v (err=%v)", mirrored, err)
	}
	mirrored, err = repo.IsMirrored(ctx, "id-2")
	if err != nil || mirrored {
		t.Fatalf("expected id-2 not mirrored, got %v (err=%v)", mirrored, err)
	}
	if _, err := repo.IsMirrored(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	pending, err = repo.PendingMirror(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "id-2" {
		t.Fatalf("unexpected pending after mark: %+v", pending)
	}
}

func TestClaimMirror(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	if _, err := repo.Insert(ctx, expense(1, "Food", "2024-01-01")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	stale := now.Add(-5 * time.Minute)

	ok, err := repo.ClaimMirror(ctx, "id-1", now, stale)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	if ok, _ := repo.ClaimMirror(ctx, "id-1", now.Add(time.Second), stale); ok {
		t.Fatal("a held claim must not be taken again")
	}

	later := now.Add(10 * time.Minute)
	if ok, _ := repo.ClaimMirror(ctx, "id-1", later, later.Add(-5*time.Minute)); !ok {
		t.Fatal("an expired claim should be taken over")
	}

	if err := repo.ReleaseMirror(ctx, "id-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := repo.ClaimMirror(ctx, "id-1", later, later.Add(-5*time.Minute)); !ok {
		t.Fatal("a released expense should be claimable")
	}

	if err := repo.MarkMirrored(ctx, "id-1", later); err != nil {
		t.Fatalf("mark mirrored: %v", err)
	}
	if ok, _ := repo.ClaimMirror(ctx, "id-1", later.Add(time.Hour), later.Add(time.Hour)); ok {
		t.Fatal("a mirrored expense must not be claimed")
	}
	if ok, _ := repo.ClaimMirror(ctx, "missing", now, stale); ok {
		t.Fatal("unknown expense must not be claimed")
	}
}
