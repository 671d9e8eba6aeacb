package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Method names a ledger write supported by the supply chain contract.
type Method string

const (
	MethodRegisterUser      Method = "registerUser"
	MethodRecordHarvest     Method = "recordHarvest"
	MethodRecordProcessing  Method = "recordProcessing"
	MethodCreateBatch       Method = "createBatch"
	MethodCreateConsignment Method = "createConsignment"
	MethodUpdateConsignment Method = "updateConsignment"
)

func (m Method) String() string { return string(m) }

// Methods lists every supported method.
var Methods = []Method{
	MethodRegisterUser,
	MethodRecordHarvest,
	MethodRecordProcessing,
	MethodCreateBatch,
	MethodCreateConsignment,
	MethodUpdateConsignment,
}

var (
	ErrUnknownMethod   = errors.New("unknown ledger method")
	ErrPayloadArity    = errors.New("payload arity mismatch")
	ErrInvalidArgument = errors.New("invalid operation argument")
)

// Operation is one of the closed set of ledger writes. The concrete types below
// are the only implementations.
type Operation interface {
	Method() Method
	// EntityID is the business key the operation creates or mutates.
	EntityID() string
	// Args returns the positional ledger arguments in signature order.
	Args() []any
	Validate() error

	isOperation()
}

// RegisterUser binds a wallet address to a user id and role on the ledger.
type RegisterUser struct {
	AccountAddress string
	UserID         string
	Role           Role
}

type RecordHarvest struct {
	HarvestID   string
	HarvestDate string
	Quality     string
	Quantity    string
	Location    string
}

type RecordProcessing struct {
	HarvestID string
	Status    ProcessingStatus
}

type CreateBatch struct {
	HarvestID string
	BatchID   string
	Quantity  string
	PacketIDs []string
}

type CreateConsignment struct {
	ConsignmentID string
	BatchIDs      []string
	Carrier       Carrier
	DepartureDate string
	ETA           string
}

type UpdateConsignment struct {
	ConsignmentID string
	Temperature   string
	Humidity      string
	Status        TrackStatus
}

func (RegisterUser) Method() Method      { return MethodRegisterUser }
func (RecordHarvest) Method() Method     { return MethodRecordHarvest }
func (RecordProcessing) Method() Method  { return MethodRecordProcessing }
func (CreateBatch) Method() Method       { return MethodCreateBatch }
func (CreateConsignment) Method() Method { return MethodCreateConsignment }
func (UpdateConsignment) Method() Method { return MethodUpdateConsignment }

func (o RegisterUser) EntityID() string      { return o.UserID }
func (o RecordHarvest) EntityID() string     { return o.HarvestID }
func (o RecordProcessing) EntityID() string  { return o.HarvestID }
func (o CreateBatch) EntityID() string       { return o.BatchID }
func (o CreateConsignment) EntityID() string { return o.ConsignmentID }
func (o UpdateConsignment) EntityID() string { return o.ConsignmentID }

func (o RegisterUser) Args() []any {
	return []any{o.AccountAddress, o.UserID, o.Role}
}

func (o RecordHarvest) Args() []any {
	return []any{o.HarvestID, o.HarvestDate, o.Quality, o.Quantity, o.Location}
}

func (o RecordProcessing) Args() []any {
	return []any{o.HarvestID, o.Status}
}

func (o CreateBatch) Args() []any {
	return []any{o.HarvestID, o.BatchID, o.Quantity, o.PacketIDs}
}

func (o CreateConsignment) Args() []any {
	return []any{o.ConsignmentID, o.BatchIDs, o.Carrier, o.DepartureDate, o.ETA}
}

func (o UpdateConsignment) Args() []any {
	return []any{o.ConsignmentID, o.Temperature, o.Humidity, o.Status}
}

func (o RegisterUser) Validate() error {
	if err := required("accountAddress", o.AccountAddress, "userId", o.UserID); err != nil {
		return err
	}
	if !o.Role.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidArgument, o.Role)
	}
	return nil
}

func (o RecordHarvest) Validate() error {
	return required("harvestId", o.HarvestID, "harvestDate", o.HarvestDate,
		"quality", o.Quality, "quantity", o.Quantity, "location", o.Location)
}

func (o RecordProcessing) Validate() error {
	if err := required("harvestId", o.HarvestID); err != nil {
		return err
	}
	if !o.Status.Valid() {
		return fmt.Errorf("%w: processing status %q", ErrInvalidArgument, o.Status)
	}
	return nil
}

func (o CreateBatch) Validate() error {
	if err := required("harvestId", o.HarvestID, "batchId", o.BatchID, "quantity", o.Quantity); err != nil {
		return err
	}
	if len(o.PacketIDs) == 0 {
		return fmt.Errorf("%w: packetIds is empty", ErrInvalidArgument)
	}
	return nil
}

func (o CreateConsignment) Validate() error {
	if err := required("consignmentId", o.ConsignmentID, "departureDate", o.DepartureDate, "eta", o.ETA); err != nil {
		return err
	}
	if len(o.BatchIDs) == 0 {
		return fmt.Errorf("%w: batchIds is empty", ErrInvalidArgument)
	}
	if !o.Carrier.Valid() {
		return fmt.Errorf("%w: carrier %q", ErrInvalidArgument, o.Carrier)
	}
	return nil
}

func (o UpdateConsignment) Validate() error {
	if err := required("consignmentId", o.ConsignmentID, "temperature", o.Temperature, "humidity", o.Humidity); err != nil {
		return err
	}
	if !o.Status.Valid() {
		return fmt.Errorf("%w: track status %q", ErrInvalidArgument, o.Status)
	}
	return nil
}

func (RegisterUser) isOperation()      {}
func (RecordHarvest) isOperation()     {}
func (RecordProcessing) isOperation()  {}
func (CreateBatch) isOperation()       {}
func (CreateConsignment) isOperation() {}
func (UpdateConsignment) isOperation() {}

// EncodePayload renders the operation as the ordered JSON array stored in the outbox.
func EncodePayload(op Operation) (json.RawMessage, error) {
	b, err := json.Marshal(op.Args())
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", op.Method(), err)
	}
	return b, nil
}

// DecodeOperation is the inverse of EncodePayload.
func DecodeOperation(m Method, payload []byte) (Operation, error) {
	var (
		op  Operation
		err error
	)
	switch m {
	case MethodRegisterUser:
		var o RegisterUser
		err = positional(m, payload, &o.AccountAddress, &o.UserID, &o.Role)
		op = o
	case MethodRecordHarvest:
		var o RecordHarvest
		err = positional(m, payload, &o.HarvestID, &o.HarvestDate, &o.Quality, &o.Quantity, &o.Location)
		op = o
	case MethodRecordProcessing:
		var o RecordProcessing
		err = positional(m, payload, &o.HarvestID, &o.Status)
		op = o
	case MethodCreateBatch:
		var o CreateBatch
		err = positional(m, payload, &o.HarvestID, &o.BatchID, &o.Quantity, &o.PacketIDs)
		op = o
	case MethodCreateConsignment:
		var o CreateConsignment
		err = positional(m, payload, &o.ConsignmentID, &o.BatchIDs, &o.Carrier, &o.DepartureDate, &o.ETA)
		op = o
	case MethodUpdateConsignment:
		var o UpdateConsignment
		err = positional(m, payload, &o.ConsignmentID, &o.Temperature, &o.Humidity, &o.Status)
		op = o
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, m)
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

func positional(m Method, payload []byte, dst ...any) error {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return fmt.Errorf("decode %s payload: %w", m, err)
	}
	if len(items) != len(dst) {
		return fmt.Errorf("%w: %s wants %d arguments, got %d", ErrPayloadArity, m, len(dst), len(items))
	}
	for i, raw := range items {
		if err := json.Unmarshal(raw, dst[i]); err != nil {
			return fmt.Errorf("decode %s argument %d: %w", m, i, err)
		}
	}
	return nil
}

// required checks name/value pairs for blank values.
func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidArgument, pairs[i])
		}
	}
	return nil
}
