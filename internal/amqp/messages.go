package amqp

import (
	"encoding/json"
	"errors"
	"time"

	"expenselog/internal/core"
)

// ExpenseCreatedMessage announces a newly stored expense. It carries only
// identifiers; consumers read the record itself from the store.
type ExpenseCreatedMessage struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func NewExpenseCreatedMessage(e core.Expense) *ExpenseCreatedMessage {
	return &ExpenseCreatedMessage{
		ID:        e.ID,
		RequestID: e.RequestID,
		Timestamp: e.CreatedAt,
	}
}

func (m *ExpenseCreatedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ExpenseCreatedMessageFromJSON decodes a message body. A body without an
// expense id is rejected.
func ExpenseCreatedMessageFromJSON(data []byte) (*ExpenseCreatedMessage, error) {
	var msg ExpenseCreatedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, errors.New("message has no expense id")
	}
	return &msg, nil
}
