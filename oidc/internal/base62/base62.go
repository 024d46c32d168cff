// Package base62 provides utilities for working with base62 strings.
package base62

import (
	"crypto/rand"
	"math/big"
)

const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var csLen = big.NewInt(int64(len(charset)))

// Random generates a random base62 string of the given length, using
// crypto/rand as its source of entropy.
func Random(length int) (string, error) {
	output := make([]byte, 0, length)
	for len(output) < length {
		val, err := rand.Int(rand.Reader, csLen)
		if err != nil {
			return "", err
		}
		output = append(output, charset[val.Int64()])
	}
	return string(output), nil
}
