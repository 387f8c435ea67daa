package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	trackingTokenBytes = 24
	maxTokenAttempts   = 5
)

// NewTrackingToken returns 192 random bits, base64url encoded without padding.
func NewTrackingToken() (string, error) {
	b := make([]byte, trackingTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate tracking token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
