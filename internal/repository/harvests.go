package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/teatrace/internal/model"
)

type HarvestsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, h model.Harvest) error
	Get(ctx context.Context, harvestID string) (*model.Harvest, error)
	StampHash(ctx context.Context, harvestID, hash string) (int64, error)
}

type HarvestsRepositoryImpl struct {
	db *sqlx.DB
}

func NewHarvestsRepository(db *sqlx.DB) *HarvestsRepositoryImpl {
	return &HarvestsRepositoryImpl{db: db}
}

var _ HarvestsRepository = (*HarvestsRepositoryImpl)(nil)

func (r *HarvestsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, h model.Harvest) error {
	const q = `
		INSERT INTO harvests
		    (harvest_id, user_id, harvest_date, quality, quantity, location, created_at, updated_at)
		VALUES
		    (?,          ?,       ?,            ?,       ?,        ?,        NOW(3),     NOW(3))
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			h.HarvestID, h.UserID, h.HarvestDate, h.Quality, h.Quantity.String(), h.Location,
		)
		return err
	})
}

func (r *HarvestsRepositoryImpl) Get(ctx context.Context, harvestID string) (*model.Harvest, error) {
	var h model.Harvest
	err := r.db.GetContext(ctx, &h, `
		SELECT harvest_id, user_id, harvest_date, quality, quantity, location, blockchain_hash, created_at, updated_at
		  FROM harvests
		 WHERE harvest_id = ? LIMIT 1
	`, harvestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *HarvestsRepositoryImpl) StampHash(ctx context.Context, harvestID, hash string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE harvests SET blockchain_hash = ? WHERE harvest_id = ?`, hash, harvestID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
