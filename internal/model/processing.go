package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Processing is one processing stage of a harvest. BatchID is set once the
// harvest is batched.
type Processing struct {
	ID               int64            `db:"id" json:"id"`
	RequestID        string           `db:"request_id" json:"-"`
	HarvestID        string           `db:"harvest_id" json:"harvest_id"`
	BatchID          *string          `db:"batch_id" json:"batch_id,omitempty"`
	ProcessType      ProcessingStatus `db:"process_type" json:"process_type"`
	PackagingPlantID int64            `db:"packaging_plant_id" json:"packaging_plant_id"`
	NoOfPackets      *int             `db:"no_of_packets" json:"no_of_packets,omitempty"`
	BlockchainHash   *string          `db:"blockchain_hash" json:"blockchain_hash,omitempty"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

type Packet struct {
	PacketID       string          `db:"packet_id" json:"packet_id"`
	BatchID        string          `db:"batch_id" json:"batch_id"`
	Weight         decimal.Decimal `db:"weight" json:"weight"`
	BlockchainHash *string         `db:"blockchain_hash" json:"blockchain_hash,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// BatchView is a confirmed batch with its packet ids.
type BatchView struct {
	BatchID        string          `json:"batch_id"`
	HarvestID      string          `json:"harvest_id"`
	PacketWeight   decimal.Decimal `json:"packet_weight"`
	PacketIDs      []string        `json:"packet_ids"`
	BlockchainHash *string         `json:"blockchain_hash,omitempty"`
}
