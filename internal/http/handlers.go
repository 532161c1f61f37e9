package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"expenselog/internal/core"
	"expenselog/internal/log"
)

// expenseResponse is the JSON shape of a stored expense. Amount is written
// as a number with exactly two decimals.
type expenseResponse struct {
	ID          string      `json:"id"`
	Amount      json.Number `json:"amount"`
	Category    string      `json:"category"`
	Description string      `json:"description"`
	Date        string      `json:"date"`
	CreatedAt   string      `json:"created_at"`
}

type filtersResponse struct {
	Categories []string `json:"categories"`
	Dates      []string `json:"dates"`
}

func toExpenseResponse(e core.Expense) expenseResponse {
	return expenseResponse{
		ID:          e.ID,
		Amount:      json.Number(e.Amount.String()),
		Category:    e.Category,
		Description: e.Description,
		Date:        e.Date,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var req createExpenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, log.OpCreate, err)
		return
	}
	if err := s.validator.Struct(req); err != nil {
		s.writeError(w, r, log.OpCreate, err)
		return
	}
	in, err := req.toNewExpense()
	if err != nil {
		s.writeError(w, r, log.OpCreate, err)
		return
	}

	e, err := s.expenses.CreateExpense(r.Context(), in)
	if err != nil {
		s.writeError(w, r, log.OpCreate, err)
		return
	}

	NewJSONResponse().Body(toExpenseResponse(e)).Write(w)
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := s.expenses.ListExpenses(r.Context(), parseListQuery(r))
	if err != nil {
		s.writeError(w, r, log.OpList, err)
		return
	}

	out := make([]expenseResponse, 0, len(expenses))
	for _, e := range expenses {
		out = append(out, toExpenseResponse(e))
	}
	NewJSONResponse().Body(out).Write(w)
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	f, err := s.expenses.Filters(r.Context())
	if err != nil {
		s.writeError(w, r, log.OpFilters, err)
		return
	}

	resp := filtersResponse{Categories: f.Categories, Dates: f.Dates}
	if resp.Categories == nil {
		resp.Categories = []string{}
	}
	if resp.Dates == nil {
		resp.Dates = []string{}
	}
	NewJSONResponse().Body(resp).Write(w)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(map[string]string{"status": "ok"}).Write(w)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.expenses.Ready(ctx); err != nil {
		s.writeError(w, r, log.OpReady, err)
		return
	}
	NewJSONResponse().Body(map[string]string{"status": "ready"}).Write(w)
}

// writeError maps service and request errors to status codes and the
// machine-readable reasons in log.ErrorType*.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var (
		reqErr *requestError
		valErr *core.ValidationError
	)

	switch {
	case errors.As(err, &reqErr):
		ErrorResponse(reqErr.status, reqErr.reason, reqErr.detail).Write(w)
	case errors.As(err, &valErr):
		FieldErrorResponse(http.StatusUnprocessableEntity, log.ErrorTypeValidation, valErr.Field, valErr.Message).Write(w)
	case errors.Is(err, core.ErrStoreUnavailable):
		s.logError(r, op, err)
		ErrorResponse(http.StatusServiceUnavailable, log.ErrorTypeDatabase, "the expense store is unavailable").Write(w)
	case errors.Is(err, core.ErrNotFound):
		ErrorResponse(http.StatusNotFound, log.ErrorTypeNotFound, "expense not found").Write(w)
	default:
		s.logError(r, op, err)
		ErrorResponse(http.StatusInternalServerError, log.ErrorTypeInternal, "internal server error").Write(w)
	}
}

func (s *Server) logError(r *http.Request, op string, err error) {
	logger := log.NewStructuredLogger(log.FromContext(r.Context()))
	logger.LogError(r.Context(), "Request failed", err, op, log.NewFields().WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, ""))
}
