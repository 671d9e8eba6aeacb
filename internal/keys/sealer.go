package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	keyLen   = 32
	nonceLen = 12
	tagLen   = 16
)

var ErrMalformedSecret = errors.New("malformed sealed secret")

// Sealer encrypts wallet private keys at rest with AES-256-GCM. The AES key is
// derived once from the configured password with scrypt.
//
// Sealed values are "iv:ciphertext:tag", each part hex encoded.
type Sealer struct {
	aead cipher.AEAD
	key  []byte
}

func NewSealer(password, salt string) (*Sealer, error) {
	if password == "" {
		return nil, errors.New("keys: empty password")
	}
	key, err := scrypt.Key([]byte(password), []byte(salt), 16384, 8, 1, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead, key: key}, nil
}

func (s *Sealer) Seal(plain string) (string, error) {
	iv := make([]byte, nonceLen)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	out := s.aead.Seal(nil, iv, []byte(plain), nil)
	ct, tag := out[:len(out)-tagLen], out[len(out)-tagLen:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct) + ":" + hex.EncodeToString(tag), nil
}

func (s *Sealer) Open(sealed string) (string, error) {
	parts := strings.Split(sealed, ":")
	if len(parts) != 3 {
		return "", ErrMalformedSecret
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: iv: %v", ErrMalformedSecret, err)
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", ErrMalformedSecret, err)
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil || len(tag) != tagLen {
		return "", fmt.Errorf("%w: tag", ErrMalformedSecret)
	}

	// secrets written by older writers may use a 16 byte iv
	aead := s.aead
	if len(iv) != nonceLen {
		block, err := aes.NewCipher(s.key)
		if err != nil {
			return "", err
		}
		if aead, err = cipher.NewGCMWithNonceSize(block, len(iv)); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedSecret, err)
		}
	}

	plain, err := aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("open secret: %w", err)
	}
	return string(plain), nil
}
