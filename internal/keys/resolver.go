package keys

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
)

var ErrNoWallet = errors.New("no wallet for user")

// WalletStore reads the sealed private key of a user's wallet.
type WalletStore interface {
	SealedKey(ctx context.Context, userID int64) (string, error)
}

// Resolver hands out signing keys. It keeps no key material between calls.
type Resolver struct {
	wallets WalletStore
	sealer  *Sealer
	admin   *ecdsa.PrivateKey
}

func NewResolver(wallets WalletStore, sealer *Sealer, adminKey string) (*Resolver, error) {
	admin, err := ParseKey(adminKey)
	if err != nil {
		return nil, fmt.Errorf("admin key: %w", err)
	}
	return &Resolver{wallets: wallets, sealer: sealer, admin: admin}, nil
}

// Admin returns the registrar key used for user registration.
func (r *Resolver) Admin() *ecdsa.PrivateKey {
	return r.admin
}

// SigningKey decrypts and returns the user's key.
func (r *Resolver) SigningKey(ctx context.Context, userID int64) (*ecdsa.PrivateKey, error) {
	sealed, err := r.wallets.SealedKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	plain, err := r.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", userID, err)
	}
	return ParseKey(plain)
}
