package model

import "time"

// Consignment is one row per (shipment, batch).
type Consignment struct {
	ShipmentID          string      `db:"shipment_id" json:"shipment_id"`
	BatchID             string      `db:"batch_id" json:"batch_id"`
	StoragePlantID      int64       `db:"storage_plant_id" json:"storage_plant_id"`
	Carrier             Carrier     `db:"carrier" json:"carrier"`
	Status              TrackStatus `db:"status" json:"status"`
	DepartureDate       time.Time   `db:"departure_date" json:"departure_date"`
	ExpectedArrivalDate time.Time   `db:"expected_arrival_date" json:"expected_arrival_date"`
	BlockchainHash      *string     `db:"blockchain_hash" json:"blockchain_hash,omitempty"`
	CreatedAt           time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time   `db:"updated_at" json:"updated_at"`
}

// EnvironmentReading is a temperature/humidity report attached to a consignment update.
type EnvironmentReading struct {
	ID          int64       `db:"id" json:"id"`
	RequestID   string      `db:"request_id" json:"-"`
	ShipmentID  string      `db:"shipment_id" json:"shipment_id"`
	Track       TrackStatus `db:"track" json:"track"`
	Temperature string      `db:"temperature" json:"temperature"`
	Humidity    string      `db:"humidity" json:"humidity"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}
