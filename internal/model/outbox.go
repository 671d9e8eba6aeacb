package model

import (
	"encoding/json"
	"time"
)

type OutboxStatus string

const (
	StatusSubmitted OutboxStatus = "SUBMITTED"
	StatusCompleted OutboxStatus = "COMPLETED"
	StatusFailed    OutboxStatus = "FAILED"
)

func (s OutboxStatus) String() string {
	return string(s)
}

func (s OutboxStatus) Valid() bool {
	return s == StatusSubmitted || s == StatusCompleted || s == StatusFailed
}

// Terminal reports whether no further transition is allowed.
func (s OutboxStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// OutboxRecord is one submitted ledger operation, persisted in outbox_requests.
type OutboxRecord struct {
	RequestID       string          `db:"request_id" json:"request_id"`
	MethodName      Method          `db:"method_name" json:"method_name"`
	Payload         json.RawMessage `db:"payload" json:"payload"`
	UserID          int64           `db:"user_id" json:"user_id"`
	EntityID        string          `db:"entity_id" json:"entity_id"`
	Status          OutboxStatus    `db:"status" json:"status"`
	TxHash          *string         `db:"tx_hash" json:"tx_hash,omitempty"`
	ErrorMessage    *string         `db:"error_message" json:"error_message,omitempty"`
	PublishAttempts int             `db:"publish_attempts" json:"-"`
	DispatchedAt    *time.Time      `db:"dispatched_at" json:"-"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Operation decodes the stored positional payload back into its typed variant.
func (r OutboxRecord) Operation() (Operation, error) {
	return DecodeOperation(r.MethodName, r.Payload)
}
