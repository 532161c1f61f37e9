package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the only accepted calendar date format.
const DateLayout = "2006-01-02"

const (
	SortDateDesc SortOrder = "date_desc"
)

type (
	SortOrder string

	Money struct {
		Cents int64
	}

	// Expense is a stored expense record. ID, CreatedAt and RequestID are
	// assigned once at creation and never change.
	Expense struct {
		ID          string
		Amount      Money
		Category    string
		Description string
		Date        string // YYYY-MM-DD
		CreatedAt   time.Time
		RequestID   string
	}

	// NewExpense is the caller-supplied input of a create.
	NewExpense struct {
		Amount      decimal.Decimal
		Category    string
		Description string
		Date        string
		RequestID   string
	}

	// ListQuery selects and orders expenses. Empty fields do not filter.
	ListQuery struct {
		Category string
		Date     string
		Sort     SortOrder
	}

	// Filters lists the facet values currently present in the store.
	Filters struct {
		Categories []string
		Dates      []string
	}
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrAmountOutOfRange = errors.New("amount out of range")
	ErrNotFound         = errors.New("expense not found")
	ErrConflict         = errors.New("request_id already processed")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidationError reports a malformed or out-of-range input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// Validate checks the input and returns the amount converted to minor units.
func (n NewExpense) Validate() (Money, error) {
	m, err := MoneyFromDecimal(n.Amount)
	if errors.Is(err, ErrAmountOutOfRange) {
		return Money{}, invalid("amount", "is out of range")
	}
	if err != nil {
		return Money{}, invalid("amount", "must be greater than 0")
	}
	if strings.TrimSpace(n.Date) == "" {
		return Money{}, invalid("date", "is required")
	}
	if _, err := time.Parse(DateLayout, n.Date); err != nil {
		return Money{}, invalid("date", "must be a YYYY-MM-DD date")
	}
	if strings.TrimSpace(n.RequestID) == "" {
		return Money{}, invalid("request_id", "is required")
	}
	return m, nil
}

// Sorted reports whether the order is one the store knows how to apply.
func (s SortOrder) Sorted() bool {
	return s == SortDateDesc
}

// Normalize applies the default sort when none was requested.
func (q ListQuery) Normalize() ListQuery {
	if q.Sort == "" {
		q.Sort = SortDateDesc
	}
	return q
}
