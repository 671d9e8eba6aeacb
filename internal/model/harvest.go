package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Harvest struct {
	HarvestID      string          `db:"harvest_id" json:"harvest_id"`
	UserID         int64           `db:"user_id" json:"user_id"`
	HarvestDate    time.Time       `db:"harvest_date" json:"harvest_date"`
	Quality        string          `db:"quality" json:"quality"`
	Quantity       decimal.Decimal `db:"quantity" json:"quantity"`
	Location       string          `db:"location" json:"location"`
	BlockchainHash *string         `db:"blockchain_hash" json:"blockchain_hash,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}
