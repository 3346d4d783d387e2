package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateID generates a secure random 160-bit hex ID, suitable for seeding
// a node identity or a transaction id.
func GenerateID() string {
	bytes := make([]byte, 20)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a less secure but always-available source.
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// GenerateInstanceID returns a UUID suitable for labelling a process
// instance (metrics, log correlation) — distinct from the 160-bit keyspace
// identity minted by GenerateID.
func GenerateInstanceID() string {
	return uuid.NewString()
}
