package dispatcher

import (
	"fmt"

	"github.com/jmehdipour/teatrace/internal/model"
)

// Outcome is how the dispatcher settled one intent. The consumer acks every
// outcome.
type Outcome string

const (
	Committed          Outcome = "committed"
	Compensated        Outcome = "compensated"
	CompensationFailed Outcome = "compensation_failed"
	// Duplicate means the record was already terminal.
	Duplicate Outcome = "duplicate"
	// InFlight means another consumer holds the claim, or the claim could not
	// be attempted. The record stays SUBMITTED.
	InFlight Outcome = "in_flight"
	// Orphaned means the intent has no outbox record.
	Orphaned Outcome = "orphaned"
	// Poison means the message or stored payload cannot be decoded. A claimed
	// record with an undecodable payload is FAILED and compensated.
	Poison Outcome = "poison"
	// Unsettled means the ledger outcome is known but the record could not be
	// moved to a terminal state. It stays claimed and SUBMITTED.
	Unsettled Outcome = "unsettled"
)

type Result struct {
	RequestID string
	Method    model.Method
	Outcome   Outcome
	TxHash    string
	Err       error
}

// DispatchFailure is a ledger write that did not commit. The record is FAILED.
type DispatchFailure struct {
	RequestID string
	Method    model.Method
	Err       error
}

func (e *DispatchFailure) Error() string {
	return fmt.Sprintf("dispatch %s %s: %v", e.Method, e.RequestID, e.Err)
}

func (e *DispatchFailure) Unwrap() error { return e.Err }

// CompensationError means the speculative rows of a failed write could not be
// removed. The record is still FAILED; the rows need manual cleanup.
type CompensationError struct {
	RequestID string
	Method    model.Method
	Cause     error
	Err       error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensate %s %s: %v (after: %v)", e.Method, e.RequestID, e.Err, e.Cause)
}

func (e *CompensationError) Unwrap() []error { return []error{e.Err, e.Cause} }
