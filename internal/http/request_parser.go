package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"expenselog/internal/core"
	"expenselog/internal/log"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/shopspring/decimal"
)

// maxBodyBytes bounds a create request body.
const maxBodyBytes = 64 << 10

// createExpenseRequest is the POST /expenses body. The amount may be sent as
// a JSON number or a decimal string. Category must be present but any string,
// including an empty one, is stored as sent.
type createExpenseRequest struct {
	Amount      json.RawMessage `json:"amount" validate:"required"`
	Category    *string         `json:"category" validate:"required"`
	Description string          `json:"description"`
	Date        string          `json:"date" validate:"required,datetime=2006-01-02"`
	RequestID   string          `json:"request_id" validate:"required,max=200"`
}

func (r createExpenseRequest) toNewExpense() (core.NewExpense, error) {
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return core.NewExpense{}, err
	}
	var category string
	if r.Category != nil {
		category = *r.Category
	}
	return core.NewExpense{
		Amount:      amount,
		Category:    category,
		Description: r.Description,
		Date:        r.Date,
		RequestID:   r.RequestID,
	}, nil
}

// parseAmount accepts 12.34 and "12.34" without going through float64.
func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return decimal.Decimal{}, &core.ValidationError{Field: "amount", Message: "is required"}
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, &core.ValidationError{Field: "amount", Message: "must be a decimal number"}
	}
	return d, nil
}

// requestError is a client error detected while reading a request.
type requestError struct {
	status int
	reason string
	field  string
	detail string
}

func (e *requestError) Error() string {
	return e.detail
}

// requestValidator checks decoded bodies and renders failures in English
// using JSON field names.
type requestValidator struct {
	validate *validator.Validate
	trans    ut.Translator
}

func newRequestValidator() *requestValidator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	eng := en.New()
	uni := ut.New(eng, eng)
	trans, _ := uni.GetTranslator("en")
	en_translations.RegisterDefaultTranslations(validate, trans)

	return &requestValidator{validate: validate, trans: trans}
}

// Struct validates v and reports the first failing field.
func (rv *requestValidator) Struct(v any) error {
	err := rv.validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	first := verrs[0]
	return &core.ValidationError{Field: first.Field(), Message: first.Translate(rv.trans)}
}

// decodeJSON reads a single JSON object from the request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)

	if err := dec.Decode(dst); err != nil {
		var (
			syntaxErr *json.SyntaxError
			typeErr   *json.UnmarshalTypeError
			maxErr    *http.MaxBytesError
		)
		switch {
		case errors.As(err, &typeErr) && typeErr.Field != "":
			return &core.ValidationError{Field: typeErr.Field, Message: fmt.Sprintf("must be a %s", typeErr.Type)}
		case errors.As(err, &maxErr):
			return &requestError{status: http.StatusRequestEntityTooLarge, reason: log.ErrorTypeBadRequest, detail: "request body too large"}
		case errors.As(err, &syntaxErr):
			return &requestError{status: http.StatusBadRequest, reason: log.ErrorTypeBadRequest, detail: fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset)}
		case errors.Is(err, io.EOF):
			return &requestError{status: http.StatusBadRequest, reason: log.ErrorTypeBadRequest, detail: "request body is empty"}
		default:
			return &requestError{status: http.StatusBadRequest, reason: log.ErrorTypeBadRequest, detail: "malformed JSON body: " + err.Error()}
		}
	}

	if dec.More() {
		return &requestError{status: http.StatusBadRequest, reason: log.ErrorTypeBadRequest, detail: "request body must contain a single JSON object"}
	}
	return nil
}

// parseListQuery reads the GET /expenses filters. Empty values do not filter.
func parseListQuery(r *http.Request) core.ListQuery {
	q := r.URL.Query()
	return core.ListQuery{
		Category: q.Get("category"),
		Date:     q.Get("date"),
		Sort:     core.SortOrder(q.Get("sort")),
	}
}
