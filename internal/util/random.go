// Package util holds small helpers shared across the flow engine: queue id
// generation and environment parsing.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID returns prefix followed by hexLength random hex characters.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified
// length. Uses math/rand/v2; the ids are identifiers, not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateContinuationID generates a unique continuation ID with "cont_" prefix.
func GenerateContinuationID() string {
	return GenerateRandomID("cont_", 32)
}

// GenerateOutboxID generates a unique outbox message ID with "out_" prefix.
func GenerateOutboxID() string {
	return GenerateRandomID("out_", 32)
}
