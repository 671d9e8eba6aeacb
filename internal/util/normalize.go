package util

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeEmail trims and lower-cases user input.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// NormalizeAddress returns the checksummed form of a hex account address.
func NormalizeAddress(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if !common.IsHexAddress(s) {
		return "", false
	}
	return common.HexToAddress(s).Hex(), true
}
