package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/teatrace/internal/model"
)

type ConsignmentsRepository interface {
	// InsertMany writes one row per batch of a shipment.
	InsertMany(ctx context.Context, tx *sqlx.Tx, rows []model.Consignment) error
	UpdateStatus(ctx context.Context, tx *sqlx.Tx, shipmentID string, status model.TrackStatus) (int64, error)
	InsertReading(ctx context.Context, tx *sqlx.Tx, rd model.EnvironmentReading) error

	ByShipment(ctx context.Context, shipmentID string) ([]model.Consignment, error)
	ShipmentOfBatch(ctx context.Context, batchID string) (string, error)
	StampHash(ctx context.Context, shipmentID, hash string) (int64, error)
}

type ConsignmentsRepositoryImpl struct {
	db *sqlx.DB
}

func NewConsignmentsRepository(db *sqlx.DB) *ConsignmentsRepositoryImpl {
	return &ConsignmentsRepositoryImpl{db: db}
}

var _ ConsignmentsRepository = (*ConsignmentsRepositoryImpl)(nil)

func (r *ConsignmentsRepositoryImpl) InsertMany(ctx context.Context, tx *sqlx.Tx, rows []model.Consignment) error {
	if len(rows) == 0 {
		return nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(rows)*7)

	sb.WriteString(`INSERT INTO consignments
		(shipment_id, batch_id, storage_plant_id, carrier, status, departure_date, expected_arrival_date, created_at, updated_at)
		VALUES `)
	for i, c := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, NOW(3), NOW(3))")
		args = append(args, c.ShipmentID, c.BatchID, c.StoragePlantID, c.Carrier.String(),
			c.Status.String(), c.DepartureDate, c.ExpectedArrivalDate)
	}

	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, sb.String(), args...)
		return err
	})
}

func (r *ConsignmentsRepositoryImpl) UpdateStatus(ctx context.Context, tx *sqlx.Tx, shipmentID string, status model.TrackStatus) (int64, error) {
	var n int64
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE consignments SET status = ?, updated_at = NOW(3) WHERE shipment_id = ?
		`, status.String(), shipmentID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (r *ConsignmentsRepositoryImpl) InsertReading(ctx context.Context, tx *sqlx.Tx, rd model.EnvironmentReading) error {
	const q = `
		INSERT INTO environment_readings
		    (request_id, shipment_id, track, temperature, humidity, created_at)
		VALUES
		    (?,          ?,           ?,     ?,           ?,        NOW(3))
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, rd.RequestID, rd.ShipmentID, rd.Track.String(), rd.Temperature, rd.Humidity)
		return err
	})
}

func (r *ConsignmentsRepositoryImpl) ByShipment(ctx context.Context, shipmentID string) ([]model.Consignment, error) {
	var rows []model.Consignment
	err := r.db.SelectContext(ctx, &rows, `
		SELECT shipment_id, batch_id, storage_plant_id, carrier, status, departure_date,
		       expected_arrival_date, blockchain_hash, created_at, updated_at
		  FROM consignments
		 WHERE shipment_id = ?
		 ORDER BY batch_id
	`, shipmentID)
	return rows, err
}

// ShipmentOfBatch returns the most recent shipment carrying the batch.
func (r *ConsignmentsRepositoryImpl) ShipmentOfBatch(ctx context.Context, batchID string) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id, `
		SELECT shipment_id FROM consignments WHERE batch_id = ? ORDER BY created_at DESC LIMIT 1
	`, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

func (r *ConsignmentsRepositoryImpl) StampHash(ctx context.Context, shipmentID, hash string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE consignments SET blockchain_hash = ? WHERE shipment_id = ?`, hash, shipmentID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
