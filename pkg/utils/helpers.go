package utils

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// RandomHex returns 2n hexadecimal characters drawn from crypto/rand.
func RandomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the OS entropy source is gone.
		panic(err)
	}
	return hex.EncodeToString(b)
}

// NewID returns a fresh opaque identifier for games, turns and players.
func NewID() string {
	return uuid.NewString()
}
