package utils

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// GenerateID generates a random UUID string
func GenerateID() string {
	return uuid.NewString()
}

// IsValidAddress checks if a string is a valid EVM address
func IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// NormalizeAddress normalizes an address to lowercase with 0x prefix
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		address = "0x" + address
	}
	return strings.ToLower(address)
}

// SameAddress compares two addresses ignoring case and checksum
func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}

// GetEventSignature returns the keccak256 hash of an event signature
func GetEventSignature(signature string) common.Hash {
	return crypto.Keccak256Hash([]byte(signature))
}

// GetFunctionSelector returns the 4-byte selector of a function signature
func GetFunctionSelector(signature string) [4]byte {
	var selector [4]byte
	copy(selector[:], crypto.Keccak256([]byte(signature))[:4])
	return selector
}
