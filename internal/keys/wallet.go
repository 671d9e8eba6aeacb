package keys

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account is a freshly generated signing account. PrivateKey is 0x-prefixed hex.
type Account struct {
	Address    string
	PublicKey  string
	PrivateKey string
}

func NewAccount() (Account, error) {
	pk, err := crypto.GenerateKey()
	if err != nil {
		return Account{}, fmt.Errorf("generate key: %w", err)
	}
	return Account{
		Address:    crypto.PubkeyToAddress(pk.PublicKey).Hex(),
		PublicKey:  hexutil.Encode(crypto.FromECDSAPub(&pk.PublicKey)),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(pk)),
	}, nil
}

// ParseKey accepts a hex private key with or without the 0x prefix.
func ParseKey(raw string) (*ecdsa.PrivateKey, error) {
	k, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return k, nil
}

// Address returns the account address of a key.
func Address(k *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(k.PublicKey).Hex()
}
