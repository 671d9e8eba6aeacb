package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/teatrace/internal/model"
)

type ProcessingRepository interface {
	InsertStage(ctx context.Context, tx *sqlx.Tx, p model.Processing) error
	// LinkBatch attaches a batch to every processing row of the harvest.
	LinkBatch(ctx context.Context, tx *sqlx.Tx, harvestID, batchID string, packets int) error
	InsertPackets(ctx context.Context, tx *sqlx.Tx, packets []model.Packet) error

	ListByHarvest(ctx context.Context, harvestID string) ([]model.Processing, error)
	HarvestOfBatch(ctx context.Context, batchID string) (string, error)
	PacketsByBatch(ctx context.Context, batchID string) ([]model.Packet, error)
	GetPacket(ctx context.Context, packetID string) (*model.Packet, error)

	StampStage(ctx context.Context, harvestID string, status model.ProcessingStatus, hash string) (int64, error)
	StampPackets(ctx context.Context, batchID, hash string) (int64, error)
}

type ProcessingRepositoryImpl struct {
	db *sqlx.DB
}

func NewProcessingRepository(db *sqlx.DB) *ProcessingRepositoryImpl {
	return &ProcessingRepositoryImpl{db: db}
}

var _ ProcessingRepository = (*ProcessingRepositoryImpl)(nil)

const processingColumns = `id, request_id, harvest_id, batch_id, process_type, packaging_plant_id,
		no_of_packets, blockchain_hash, created_at, updated_at`

func (r *ProcessingRepositoryImpl) InsertStage(ctx context.Context, tx *sqlx.Tx, p model.Processing) error {
	const q = `
		INSERT INTO processing
		    (request_id, harvest_id, process_type, packaging_plant_id, created_at, updated_at)
		VALUES
		    (?,          ?,          ?,            ?,                  NOW(3),     NOW(3))
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, p.RequestID, p.HarvestID, p.ProcessType.String(), p.PackagingPlantID)
		return err
	})
}

func (r *ProcessingRepositoryImpl) LinkBatch(ctx context.Context, tx *sqlx.Tx, harvestID, batchID string, packets int) error {
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE processing
			   SET batch_id = ?, no_of_packets = ?, updated_at = NOW(3)
			 WHERE harvest_id = ?
		`, batchID, packets, harvestID)
		return err
	})
}

// InsertPackets bulk inserts packets with a single statement.
func (r *ProcessingRepositoryImpl) InsertPackets(ctx context.Context, tx *sqlx.Tx, packets []model.Packet) error {
	if len(packets) == 0 {
		return nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(packets)*3)

	sb.WriteString(`INSERT INTO packets (packet_id, batch_id, weight, created_at, updated_at) VALUES `)
	for i, p := range packets {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, NOW(3), NOW(3))")
		args = append(args, p.PacketID, p.BatchID, p.Weight.String())
	}

	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, sb.String(), args...)
		return err
	})
}

func (r *ProcessingRepositoryImpl) ListByHarvest(ctx context.Context, harvestID string) ([]model.Processing, error) {
	var rows []model.Processing
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+processingColumns+`
		  FROM processing
		 WHERE harvest_id = ?
		 ORDER BY id
	`, harvestID)
	return rows, err
}

func (r *ProcessingRepositoryImpl) HarvestOfBatch(ctx context.Context, batchID string) (string, error) {
	var harvestID string
	err := r.db.GetContext(ctx, &harvestID, `SELECT harvest_id FROM processing WHERE batch_id = ? LIMIT 1`, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return harvestID, err
}

func (r *ProcessingRepositoryImpl) PacketsByBatch(ctx context.Context, batchID string) ([]model.Packet, error) {
	var rows []model.Packet
	err := r.db.SelectContext(ctx, &rows, `
		SELECT packet_id, batch_id, weight, blockchain_hash, created_at, updated_at
		  FROM packets
		 WHERE batch_id = ?
		 ORDER BY packet_id
	`, batchID)
	return rows, err
}

func (r *ProcessingRepositoryImpl) GetPacket(ctx context.Context, packetID string) (*model.Packet, error) {
	var p model.Packet
	err := r.db.GetContext(ctx, &p, `
		SELECT packet_id, batch_id, weight, blockchain_hash, created_at, updated_at
		  FROM packets
		 WHERE packet_id = ? LIMIT 1
	`, packetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProcessingRepositoryImpl) StampStage(ctx context.Context, harvestID string, status model.ProcessingStatus, hash string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE processing SET blockchain_hash = ? WHERE harvest_id = ? AND process_type = ?
	`, hash, harvestID, status.String())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *ProcessingRepositoryImpl) StampPackets(ctx context.Context, batchID, hash string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE packets SET blockchain_hash = ? WHERE batch_id = ?`, hash, batchID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
