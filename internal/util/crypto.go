package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

const tokenBytes = 32

// GenerateToken returns 32 random bytes hex-encoded. Pairing topics and
// session symmetric keys are both generated this way.
func GenerateToken() (string, error) {
	bytes := make([]byte, tokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// HashToken returns the hex sha256 of a credential, safe to log
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// MaskTopic shortens an opaque topic for log output
func MaskTopic(topic string) string {
	if len(topic) <= 8 {
		return "****"
	}
	return topic[:8] + "****"
}
