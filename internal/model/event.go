package model

import (
	"encoding/json"
	"time"
)

// EventName is one of the contract events the listener subscribes to.
type EventName string

const (
	EventUserRegistered           EventName = "UserRegistered"
	EventLeavesHarvested          EventName = "LeavesHarvested"
	EventProcessingDetailsUpdated EventName = "ProcessingDetailsUpdated"
	EventBatchCreated             EventName = "BatchCreated"
	EventPacketsCreated           EventName = "PacketsCreated"
	EventConsignmentCreated       EventName = "ConsignmentCreated"
	EventConsignmentUpdated       EventName = "ConsignmentUpdated"
)

func (e EventName) String() string { return string(e) }

// Events lists every subscribed event.
var Events = []EventName{
	EventUserRegistered,
	EventLeavesHarvested,
	EventProcessingDetailsUpdated,
	EventBatchCreated,
	EventPacketsCreated,
	EventConsignmentCreated,
	EventConsignmentUpdated,
}

// EventPayload is the decoded body of a ledger event. Implemented only by the
// types in this file.
type EventPayload interface {
	Event() EventName
	// EntityKey is the business key the event refers to.
	EntityKey() string

	isEventPayload()
}

// LedgerEvent is a decoded contract log together with its chain position.
type LedgerEvent struct {
	Name        EventName
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	Payload     EventPayload
}

type UserRegistered struct {
	AccountAddress string `json:"accountAddress"`
	UserID         string `json:"userId"`
	Role           Role   `json:"role"`
}

type LeavesHarvested struct {
	HarvestID string    `json:"harvestId"`
	Date      string    `json:"date"`
	Quality   string    `json:"quality"`
	Quantity  string    `json:"quantity"`
	Location  string    `json:"location"`
	FarmerID  string    `json:"farmerId"`
	Timestamp time.Time `json:"timestamp"`
}

type ProcessingDetailsUpdated struct {
	HarvestID string           `json:"harvestId"`
	Status    ProcessingStatus `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
}

type BatchCreated struct {
	BatchID   string    `json:"batchId"`
	HarvestID string    `json:"harvestId"`
	Quantity  string    `json:"quantity"`
	PacketIDs []string  `json:"packetIds"`
	Timestamp time.Time `json:"timestamp"`
}

type PacketsCreated struct {
	BatchID   string    `json:"batchId"`
	PacketIDs []string  `json:"packetIds"`
	Timestamp time.Time `json:"timestamp"`
}

type ConsignmentCreated struct {
	ConsignmentID string    `json:"consignmentId"`
	BatchIDs      []string  `json:"batchIds"`
	Carrier       string    `json:"carrier"`
	DepartureDate string    `json:"departureDate"`
	ETA           string    `json:"eta"`
	Timestamp     time.Time `json:"timestamp"`
}

type ConsignmentUpdated struct {
	ConsignmentID string      `json:"consignmentId"`
	Temperature   string      `json:"temperature"`
	Humidity      string      `json:"humidity"`
	Status        TrackStatus `json:"status"`
	Timestamp     time.Time   `json:"timestamp"`
}

func (UserRegistered) Event() EventName           { return EventUserRegistered }
func (LeavesHarvested) Event() EventName          { return EventLeavesHarvested }
func (ProcessingDetailsUpdated) Event() EventName { return EventProcessingDetailsUpdated }
func (BatchCreated) Event() EventName             { return EventBatchCreated }
func (PacketsCreated) Event() EventName           { return EventPacketsCreated }
func (ConsignmentCreated) Event() EventName       { return EventConsignmentCreated }
func (ConsignmentUpdated) Event() EventName       { return EventConsignmentUpdated }

func (e UserRegistered) EntityKey() string           { return e.UserID }
func (e LeavesHarvested) EntityKey() string          { return e.HarvestID }
func (e ProcessingDetailsUpdated) EntityKey() string { return e.HarvestID }
func (e BatchCreated) EntityKey() string             { return e.BatchID }
func (e PacketsCreated) EntityKey() string           { return e.BatchID }
func (e ConsignmentCreated) EntityKey() string       { return e.ConsignmentID }
func (e ConsignmentUpdated) EntityKey() string       { return e.ConsignmentID }

func (UserRegistered) isEventPayload()           {}
func (LeavesHarvested) isEventPayload()          {}
func (ProcessingDetailsUpdated) isEventPayload() {}
func (BatchCreated) isEventPayload()             {}
func (PacketsCreated) isEventPayload()           {}
func (ConsignmentCreated) isEventPayload()       {}
func (ConsignmentUpdated) isEventPayload()       {}

// EventLog is one row of the append-only audit trail. (BlockchainHash, LogIndex)
// identifies the chain log it was built from.
type EventLog struct {
	ID             int64           `db:"id" json:"id"`
	EventName      EventName       `db:"event_name" json:"event_name"`
	EventDetails   json.RawMessage `db:"event_details" json:"event_details"`
	EntityKey      string          `db:"entity_key" json:"entity_key"`
	BlockchainHash string          `db:"blockchain_hash" json:"blockchain_hash"`
	LogIndex       uint            `db:"log_index" json:"log_index"`
	BlockNumber    uint64          `db:"block_number" json:"block_number"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// NewEventLog renders a decoded event as an audit row.
func NewEventLog(ev LedgerEvent) (EventLog, error) {
	details, err := json.Marshal(ev.Payload)
	if err != nil {
		return EventLog{}, err
	}
	return EventLog{
		EventName:      ev.Name,
		EventDetails:   details,
		EntityKey:      ev.Payload.EntityKey(),
		BlockchainHash: ev.TxHash,
		LogIndex:       ev.LogIndex,
		BlockNumber:    ev.BlockNumber,
	}, nil
}
