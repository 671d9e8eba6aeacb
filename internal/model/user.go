package model

import "time"

// User is a supply chain participant. Credentials live with the API layer.
type User struct {
	ID             int64     `db:"id"`
	Email          string    `db:"email"`
	Role           Role      `db:"role"`
	Location       string    `db:"location"`
	WalletAddress  string    `db:"wallet_address"`
	BlockchainHash *string   `db:"blockchain_hash"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Wallet holds the user's signing account. PrivateKey is sealed (iv:ciphertext:tag hex).
type Wallet struct {
	WalletID   string    `db:"wallet_id"`
	UserID     int64     `db:"user_id"`
	Address    string    `db:"address"`
	PublicKey  string    `db:"public_key"`
	PrivateKey string    `db:"private_key"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// UserView is the public shape of a confirmed user.
type UserView struct {
	ID             int64     `json:"id"`
	Email          string    `json:"email"`
	Role           Role      `json:"role"`
	Location       string    `json:"location"`
	WalletAddress  string    `json:"wallet_address"`
	BlockchainHash *string   `json:"blockchain_hash,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (u User) View() UserView {
	return UserView{
		ID:             u.ID,
		Email:          u.Email,
		Role:           u.Role,
		Location:       u.Location,
		WalletAddress:  u.WalletAddress,
		BlockchainHash: u.BlockchainHash,
		CreatedAt:      u.CreatedAt,
	}
}
