// Package codegen produces the random human-shareable strings used for token
// codes, API keys and member numbers.
package codegen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// Alphabet is the symbol set for generated codes.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Random returns n symbols drawn uniformly from Alphabet.
func Random(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("codegen: invalid length %d", n)
	}
	max := big.NewInt(int64(len(Alphabet)))
	out := make([]byte, n)
	for i := range out {
		k, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("codegen: %w", err)
		}
		out[i] = Alphabet[k.Int64()]
	}
	return string(out), nil
}

// Code returns prefix followed by n random symbols, e.g. "TKN-7QK2M9ZD".
func Code(prefix string, n int) (string, error) {
	s, err := Random(n)
	if err != nil {
		return "", err
	}
	return prefix + s, nil
}

// APIKey returns a user API key of the form "JC-XXXXXXXX".
func APIKey() (string, error) {
	return Code("JC-", 8)
}

// MemberNumber returns "JKT" + the last six digits of the unix millisecond
// clock + three random digits.
func MemberNumber(now time.Time) (string, error) {
	ms := now.UnixMilli() % 1_000_000
	k, err := rand.Int(rand.Reader, big.NewInt(1000))
	if err != nil {
		return "", fmt.Errorf("codegen: %w", err)
	}
	return fmt.Sprintf("JKT%06d%03d", ms, k.Int64()), nil
}
