package util

import (
	"crypto/rand"
	"math/big"
)

const (
	// AlphabetUpperNumeric is A-Z0-9.
	AlphabetUpperNumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// AlphabetUnambiguous drops characters that are easy to misread (0/O, 1/I).
	AlphabetUnambiguous = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// RandomString draws n characters from alphabet using crypto/rand.
func RandomString(n int, alphabet string) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range b {
		num, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[num.Int64()]
	}
	return string(b), nil
}
