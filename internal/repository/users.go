package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/teatrace/internal/model"
)

type UsersRepository interface {
	// Insert creates the user row and returns its id.
	Insert(ctx context.Context, tx *sqlx.Tx, u model.User) (int64, error)
	InsertWallet(ctx context.Context, tx *sqlx.Tx, w model.Wallet) error
	Get(ctx context.Context, id int64) (*model.User, error)
	// SealedKey returns the encrypted private key of the user's wallet.
	SealedKey(ctx context.Context, userID int64) (string, error)
	StampHash(ctx context.Context, userID int64, hash string) (int64, error)
}

type UsersRepositoryImpl struct {
	db *sqlx.DB
}

func NewUsersRepository(db *sqlx.DB) *UsersRepositoryImpl {
	return &UsersRepositoryImpl{db: db}
}

var _ UsersRepository = (*UsersRepositoryImpl)(nil)

func (r *UsersRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, u model.User) (int64, error) {
	var id int64
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (email, role, location, wallet_address, created_at, updated_at)
			VALUES (?, ?, ?, ?, NOW(3), NOW(3))
		`, u.Email, u.Role.String(), u.Location, u.WalletAddress)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (r *UsersRepositoryImpl) InsertWallet(ctx context.Context, tx *sqlx.Tx, w model.Wallet) error {
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallets (wallet_id, user_id, address, public_key, private_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, NOW(3), NOW(3))
		`, w.WalletID, w.UserID, w.Address, w.PublicKey, w.PrivateKey)
		return err
	})
}

func (r *UsersRepositoryImpl) Get(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u, `
		SELECT id, email, role, location, wallet_address, blockchain_hash, created_at, updated_at
		  FROM users
		 WHERE id = ? LIMIT 1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UsersRepositoryImpl) SealedKey(ctx context.Context, userID int64) (string, error) {
	var key string
	err := r.db.GetContext(ctx, &key, `SELECT private_key FROM wallets WHERE user_id = ? LIMIT 1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return key, err
}

func (r *UsersRepositoryImpl) StampHash(ctx context.Context, userID int64, hash string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET blockchain_hash = ? WHERE id = ?`, hash, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
