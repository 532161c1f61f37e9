package core

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewExpenseValidate(t *testing.T) {
	good := NewExpense{
		Amount:    decimal.RequireFromString("0.01"),
		Category:  "Food",
		Date:      "2024-01-01",
		RequestID: "r-1",
	}
	m, err := good.Validate()
	if err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if m.Cents != 1 {
		t.Fatalf("expected 1 cent, got %d", m.Cents)
	}

	bads := []struct {
		field string
		in    NewExpense
	}{
		{"amount", NewExpense{Amount: decimal.Zero, Category: "c", Date: "2024-01-01", RequestID: "r"}},
		{"amount", NewExpense{Amount: decimal.NewFromInt(-5), Category: "c", Date: "2024-01-01", RequestID: "r"}},
		{"amount", NewExpense{Category: "c", Date: "2024-01-01", RequestID: "r"}},
		{"amount", NewExpense{Amount: decimal.RequireFromString("1e2000000000"), Category: "c", Date: "2024-01-01", RequestID: "r"}},
		{"date", NewExpense{Amount: decimal.NewFromInt(1), Category: "c", RequestID: "r"}},
		{"date", NewExpense{Amount: decimal.NewFromInt(1), Category: "c", Date: "01/02/2024", RequestID: "r"}},
		{"request_id", NewExpense{Amount: decimal.NewFromInt(1), Category: "c", Date: "2024-01-01"}},
	}
	for i, tc := range bads {
		_, err := tc.in.Validate()
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("case %d expected ValidationError, got %v", i, err)
		}
		if verr.Field != tc.field {
			t.Fatalf("case %d expected field %q, got %q", i, tc.field, verr.Field)
		}
	}
}

func TestNewExpenseValidateAcceptsAnyCategory(t *testing.T) {
	for _, category := range []string{"", "   "} {
		in := NewExpense{Amount: decimal.NewFromInt(1), Category: category, Date: "2024-01-01", RequestID: "r"}
		if _, err := in.Validate(); err != nil {
			t.Fatalf("category %q rejected: %v", category, err)
		}
	}
}

func TestListQueryNormalize(t *testing.T) {
	q := ListQuery{}.Normalize()
	if q.Sort != SortDateDesc {
		t.Fatalf("expected default sort, got %q", q.Sort)
	}
	q = ListQuery{Sort: "amount_asc"}.Normalize()
	if q.Sort.Sorted() {
		t.Fatalf("unknown sort must not be treated as sorted")
	}
}
