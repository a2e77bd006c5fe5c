// Package prokey generates and validates Pro access keys.
//
// A key is 8 hexadecimal characters. It is valid iff its integer value
// is positive and divisible by a configured secret prime.
package prokey

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// KeyLength is the fixed hex length of a Pro key.
const KeyLength = 8

// Generate produces a valid key for the given prime: a random
// multiplier in [1,1000] times the prime, zero-padded to 8 hex chars.
func Generate(prime int64) string {
	multiplier := int64(rand.Intn(1000) + 1) // #nosec G404 -- keys gate credits, not authentication secrets
	return fmt.Sprintf("%08x", prime*multiplier)
}

// Validate reports whether key is a well-formed Pro key for the prime.
func Validate(key string, prime int64) bool {
	key = strings.TrimSpace(strings.ToLower(key))
	if len(key) != KeyLength {
		return false
	}
	value, err := strconv.ParseInt(key, 16, 64)
	if err != nil {
		return false
	}
	return value > 0 && value%prime == 0
}
