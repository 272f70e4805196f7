package app

import (
	"crypto/rand"
	"fmt"
)

const (
	handlePrefix   = "Whisp_"
	handleLength   = 8
	handleAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

	// maxHandleAttempts bounds the rejection-sampling loop in Initiate so
	// adversarial collision load cannot spin it forever.
	maxHandleAttempts = 5
)

// NewHandle returns a fresh pseudonymous conversation handle of the form
// Whisp_ followed by eight random letters. Uniqueness is not checked here;
// the store's unique index rejects collisions and the caller retries.
func NewHandle() (string, error) {
	buf := make([]byte, handleLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	out := make([]byte, handleLength)
	for i, b := range buf {
		out[i] = handleAlphabet[int(b)%len(handleAlphabet)]
	}
	return handlePrefix + string(out), nil
}
