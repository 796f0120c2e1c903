package user

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const saltLen = 16

// hashPassword computes the stored password digest: lowercase hex of
// SHA-256 over the password concatenated with the salt.
func hashPassword(password, salt string) string {
	sum := sha256.Sum256([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

// newSalt generates a random 16-byte salt, hex encoded.
func newSalt() (string, error) {
	b := make([]byte, saltLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("user: failed to generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// verifyPassword recomputes the digest and compares in constant time.
func verifyPassword(password, salt, stored string) bool {
	computed := hashPassword(password, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(stored)) == 1
}
