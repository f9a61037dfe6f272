package core

import (
	"crypto/rand"
	"encoding/hex"
)

// NonceSize is the number of random bytes in a nonce.
const NonceSize = 16

// GenerateNonce returns 16 bytes from the system CSPRNG, hex encoded.
func GenerateNonce() string {
	b := make([]byte, NonceSize)
	// crypto/rand.Read never returns an error on supported platforms.
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return hex.EncodeToString(b)
}
