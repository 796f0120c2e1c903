package user

import (
	"crypto/rand"
	"fmt"
)

const (
	accessTokenLen  = 64
	refreshTokenLen = 64
	deviceIdLen     = 10

	tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// RandomString generates n random characters from the token alphabet.
func RandomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("user: failed to generate random string: %w", err)
	}
	for i := range b {
		b[i] = tokenAlphabet[int(b[i])%len(tokenAlphabet)]
	}
	return string(b), nil
}
