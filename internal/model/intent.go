package model

import (
	"encoding/json"
	"fmt"
)

// Intent is the message published on the channel for every outbox record.
type Intent struct {
	RequestID  string          `json:"requestId"`
	MethodName Method          `json:"methodName"`
	Payload    json.RawMessage `json:"payload"`
	UserID     int64           `json:"userId"`
	EntityID   string          `json:"entityId"`
}

// NewIntent builds the channel message for a record.
func NewIntent(r OutboxRecord) Intent {
	return Intent{
		RequestID:  r.RequestID,
		MethodName: r.MethodName,
		Payload:    r.Payload,
		UserID:     r.UserID,
		EntityID:   r.EntityID,
	}
}

// ParseIntent decodes a channel message and its operation payload.
func ParseIntent(body []byte) (Intent, Operation, error) {
	var in Intent
	if err := json.Unmarshal(body, &in); err != nil {
		return Intent{}, nil, fmt.Errorf("decode intent: %w", err)
	}
	if in.RequestID == "" {
		return Intent{}, nil, fmt.Errorf("decode intent: missing requestId")
	}
	op, err := DecodeOperation(in.MethodName, in.Payload)
	if err != nil {
		return in, nil, err
	}
	return in, op, nil
}
