package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"expenselog/internal/cache"
	"expenselog/internal/core"
	"expenselog/internal/storage"

	"github.com/shopspring/decimal"
)

// fakeStore is an in-memory Store. When raceOnInsert is set, the first
// insert loses to a competing record written just before it.
type fakeStore struct {
	mu           sync.Mutex
	byRequest    map[string]core.Expense
	order        []string
	finds        int
	inserts      int
	raceOnInsert *core.Expense
	failWith     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{byRequest: map[string]core.Expense{}}
}

func (f *fakeStore) Insert(_ context.Context, e core.Expense) (core.Expense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.failWith != nil {
		return core.Expense{}, f.failWith
	}
	if f.raceOnInsert != nil {
		f.byRequest[f.raceOnInsert.RequestID] = *f.raceOnInsert
		f.raceOnInsert = nil
	}
	if _, ok := f.byRequest[e.RequestID]; ok {
		return core.Expense{}, fmt.Errorf("insert: %w", core.ErrConflict)
	}
	f.byRequest[e.RequestID] = e
	f.order = append(f.order, e.RequestID)
	return e, nil
}

func (f *fakeStore) FindByRequestID(_ context.Context, requestID string) (core.Expense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if e, ok := f.byRequest[requestID]; ok {
		return e, nil
	}
	return core.Expense{}, core.ErrNotFound
}

func (f *fakeStore) List(_ context.Context, q core.ListQuery) ([]core.Expense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	out := make([]core.Expense, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.byRequest[id])
	}
	return out, nil
}

func (f *fakeStore) Filters(context.Context) (core.Filters, error) {
	return core.Filters{Categories: []string{}, Dates: []string{}}, f.failWith
}

func (f *fakeStore) Ping(context.Context) error { return f.failWith }

func (f *fakeStore) Close() error { return nil }

type fakePublisher struct {
	mu        sync.Mutex
	published []core.Expense
	err       error
}

func (p *fakePublisher) PublishExpenseCreated(_ context.Context, e core.Expense) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, e)
	return p.err
}

func (p *fakePublisher) Close() error { return nil }

func newExpense(amount, category, date, requestID string) core.NewExpense {
	return core.NewExpense{
		Amount:    decimal.RequireFromString(amount),
		Category:  category,
		Date:      date,
		RequestID: requestID,
	}
}

func fixedClock() func() time.Time {
	t := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestCreateExpense_Stores(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	svc := NewExpenseService(store, pub, nil)
	svc.newID = func() string { return "id-1" }
	svc.now = fixedClock()

	in := newExpense("12.34", "Food", "2024-01-01", "req-1")
	in.Description = "lunch"
	got, err := svc.CreateExpense(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateExpense() error = %v", err)
	}

	if got.ID != "id-1" || got.Amount.Cents != 1234 || got.Category != "Food" ||
		got.Description != "lunch" || got.Date != "2024-01-01" || got.RequestID != "req-1" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.CreatedAt.Equal(fixedClock()()) {
		t.Errorf("CreatedAt = %v", got.CreatedAt)
	}
	if got.Amount.String() != "12.34" {
		t.Errorf("amount round trip = %s, want 12.34", got.Amount)
	}
	if len(pub.published) != 1 || pub.published[0].ID != "id-1" {
		t.Errorf("expected one published message, got %+v", pub.published)
	}
}

func TestCreateExpense_ReplayReturnsFirstRecord(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	svc := NewExpenseService(store, pub, nil)
	ids := []string{"id-1", "id-2"}
	svc.newID = func() string { id := ids[0]; ids = ids[1:]; return id }

	first, err := svc.CreateExpense(context.Background(), newExpense("10", "Food", "2024-01-01", "req-1"))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	retry := newExpense("99.99", "Travel", "2024-12-31", "req-1")
	retry.Description = "changed"
	second, err := svc.CreateExpense(context.Background(), retry)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if second != first {
		t.Fatalf("replay returned %+v, want %+v", second, first)
	}
	if store.inserts != 1 {
		t.Errorf("expected exactly one insert, got %d", store.inserts)
	}
	if len(pub.published) != 1 {
		t.Errorf("replay must not publish, got %d messages", len(pub.published))
	}
}

func TestCreateExpense_ReplayCacheSkipsStore(t *testing.T) {
	store := newFakeStore()
	svc := NewExpenseService(store, nil, cache.NewLRUCache[core.Expense](10, 0))

	first, err := svc.CreateExpense(context.Background(), newExpense("1", "Food", "2024-01-01", "req-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	findsAfterCreate := store.finds

	again, err := svc.CreateExpense(context.Background(), newExpense("1", "Food", "2024-01-01", "req-1"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again != first {
		t.Fatalf("cached replay returned %+v, want %+v", again, first)
	}
	if store.finds != findsAfterCreate {
		t.Errorf("cached replay should not hit the store")
	}
}

func TestCreateExpense_ConflictReturnsWinner(t *testing.T) {
	winner := core.Expense{
		ID:        "winner",
		Amount:    core.Money{Cents: 500},
		Category:  "Food",
		Date:      "2024-01-01",
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		RequestID: "req-1",
	}
	store := newFakeStore()
	store.raceOnInsert = &winner
	pub := &fakePublisher{}
	svc := NewExpenseService(store, pub, nil)

	got, err := svc.CreateExpense(context.Background(), newExpense("7", "Travel", "2024-02-02", "req-1"))
	if err != nil {
		t.Fatalf("CreateExpense() error = %v", err)
	}
	if got != winner {
		t.Fatalf("got %+v, want the winning record", got)
	}
	if len(pub.published) != 0 {
		t.Errorf("losing writer must not publish")
	}
}

func TestCreateExpense_Validation(t *testing.T) {
	tests := []struct {
		name  string
		in    core.NewExpense
		field string
	}{
		{"zero amount", newExpense("0", "Food", "2024-01-01", "r"), "amount"},
		{"negative amount", newExpense("-5", "Food", "2024-01-01", "r"), "amount"},
		{"rounds to zero", newExpense("0.004", "Food", "2024-01-01", "r"), "amount"},
		{"huge exponent", newExpense("1e2000000000", "Food", "2024-01-01", "r"), "amount"},
		{"bad date", newExpense("1", "Food", "01/01/2024", "r"), "date"},
		{"missing request id", newExpense("1", "Food", "2024-01-01", ""), "request_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			svc := NewExpenseService(store, nil, nil)

			_, err := svc.CreateExpense(context.Background(), tt.in)
			var verr *core.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
			if store.finds != 0 || store.inserts != 0 {
				t.Errorf("invalid input must not reach the store")
			}
		})
	}

	svc := NewExpenseService(newFakeStore(), nil, nil)
	if _, err := svc.CreateExpense(context.Background(), newExpense("0.01", "Food", "2024-01-01", "r")); err != nil {
		t.Fatalf("0.01 must be accepted: %v", err)
	}
}

func TestCreateExpense_StoreUnavailable(t *testing.T) {
	store := newFakeStore()
	store.failWith = fmt.Errorf("insert: %w", core.ErrStoreUnavailable)
	svc := NewExpenseService(store, nil, nil)

	_, err := svc.CreateExpense(context.Background(), newExpense("1", "Food", "2024-01-01", "r"))
	if !errors.Is(err, core.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestCreateExpense_PublishFailureDoesNotFailCreate(t *testing.T) {
	svc := NewExpenseService(newFakeStore(), &fakePublisher{err: errors.New("broker down")}, nil)
	if _, err := svc.CreateExpense(context.Background(), newExpense("1", "Food", "2024-01-01", "r")); err != nil {
		t.Fatalf("publish failure must not fail create: %v", err)
	}
}

func TestCreateExpense_ConcurrentSameRequestID(t *testing.T) {
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "expenses.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	defer repo.Close()

	// Separate services share only the database, so the unique index is
	// what arbitrates between them.
	const writers = 8
	services := make([]*ExpenseService, writers)
	for i := range services {
		services[i] = NewExpenseService(repo, nil, nil)
	}

	results := make([]core.Expense, writers)
	errs := make([]error, writers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			in := newExpense(fmt.Sprintf("%d.50", i+1), fmt.Sprintf("cat-%d", i), "2024-01-01", "same-token")
			results[i], errs[i] = services[i].CreateExpense(context.Background(), in)
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: %v", i, err)
		}
	}
	for i := 1; i < writers; i++ {
		if !sameExpense(results[i], results[0]) {
			t.Fatalf("writer %d returned %+v, want %+v", i, results[i], results[0])
		}
	}

	all, err := repo.List(context.Background(), core.ListQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one stored record, got %d", len(all))
	}
}

func TestCreateExpense_SingleflightCoalesces(t *testing.T) {
	store := newFakeStore()
	svc := NewExpenseService(store, nil, nil)

	var wg sync.WaitGroup
	results := make([]core.Expense, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := svc.CreateExpense(context.Background(), newExpense("3", "Food", "2024-01-01", "tok"))
			if err != nil {
				t.Errorf("create: %v", err)
			}
			results[i] = e
		}(i)
	}
	wg.Wait()

	for i := range results {
		if results[i] != results[0] {
			t.Fatalf("result %d differs: %+v vs %+v", i, results[i], results[0])
		}
	}
	if store.inserts != 1 {
		t.Fatalf("expected one insert, got %d", store.inserts)
	}
}

// gatedStore blocks lookups until release is closed, failing early if the
// lookup context is cancelled.
type gatedStore struct {
	*fakeStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) FindByRequestID(ctx context.Context, requestID string) (core.Expense, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return core.Expense{}, ctx.Err()
	}
	return g.fakeStore.FindByRequestID(ctx, requestID)
}

func TestCreateExpense_CoalescedCallSurvivesFirstCallerCancel(t *testing.T) {
	store := &gatedStore{fakeStore: newFakeStore(), entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewExpenseService(store, nil, nil)
	in := newExpense("3", "Food", "2024-01-01", "tok")

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		svc.CreateExpense(firstCtx, in)
	}()
	<-store.entered

	type result struct {
		e   core.Expense
		err error
	}
	second := make(chan result, 1)
	go func() {
		e, err := svc.CreateExpense(context.Background(), in)
		second <- result{e, err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancelFirst()
	time.Sleep(10 * time.Millisecond)
	close(store.release)

	got := <-second
	<-firstDone
	if got.err != nil {
		t.Fatalf("retry failed after first caller cancelled: %v", got.err)
	}
	if got.e.RequestID != "tok" || store.inserts != 1 {
		t.Fatalf("unexpected result %+v (inserts=%d)", got.e, store.inserts)
	}
}

func TestListExpenses_DefaultsSort(t *testing.T) {
	store := &recordingStore{fakeStore: newFakeStore()}
	svc := NewExpenseService(store, nil, nil)

	got, err := svc.ListExpenses(context.Background(), core.ListQuery{Category: "Food"})
	if err != nil {
		t.Fatalf("ListExpenses() error = %v", err)
	}
	if got == nil {
		t.Fatal("expected empty slice, got nil")
	}
	if store.lastQuery.Sort != core.SortDateDesc || store.lastQuery.Category != "Food" {
		t.Fatalf("unexpected query passed to store: %+v", store.lastQuery)
	}
}

func TestListExpenses_StoreError(t *testing.T) {
	store := newFakeStore()
	store.failWith = fmt.Errorf("list: %w", core.ErrStoreUnavailable)
	svc := NewExpenseService(store, nil, nil)

	if _, err := svc.ListExpenses(context.Background(), core.ListQuery{}); !errors.Is(err, core.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := svc.Filters(context.Background()); !errors.Is(err, core.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from Filters, got %v", err)
	}
	if err := svc.Ready(context.Background()); !errors.Is(err, core.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from Ready, got %v", err)
	}
}

func sameExpense(a, b core.Expense) bool {
	return a.ID == b.ID && a.Amount == b.Amount && a.Category == b.Category &&
		a.Description == b.Description && a.Date == b.Date &&
		a.CreatedAt.Equal(b.CreatedAt) && a.RequestID == b.RequestID
}

type recordingStore struct {
	*fakeStore
	lastQuery core.ListQuery
}

func (r *recordingStore) List(ctx context.Context, q core.ListQuery) ([]core.Expense, error) {
	r.lastQuery = q
	return r.fakeStore.List(ctx, q)
}

func TestExpenseService_Close(t *testing.T) {
	t.Run("nil publisher", func(t *testing.T) {
		svc := NewExpenseService(newFakeStore(), nil, nil)
		if err := svc.Close(); err != nil {
			t.Fatalf("Close should not return error: %v", err)
		}
	})
}
