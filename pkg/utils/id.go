package utils

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/lithammer/shortuuid/v3"
)

const (
	SessionPrefix     = "S-"
	ParticipantPrefix = "P-"
	APIKeyPrefix      = "API"
)

func NewGuid(prefix string) string {
	return prefix + shortuuid.New()
}

// RandomSecret generates a url-safe secret suitable for signing tokens
func RandomSecret() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
