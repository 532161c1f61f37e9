package sheets

import (
	"context"

	"expenselog/internal/core"
)

// ExpenseWriter copies a stored expense to an external sheet and returns a
// reference to the written row.
type ExpenseWriter interface {
	Append(ctx context.Context, e core.Expense) (rowRef string, err error)
}
