package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashAdminKey bcrypt-hashes the configured admin key once at startup,
// so the key compared against every request never sits in memory as
// plaintext any longer than config loading requires. Applied here to
// the single shared secret this server checks instead of a table of
// per-account passwords.
func HashAdminKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash admin key: %w", err)
	}
	return string(hash), nil
}

// CheckAdminKey reports whether key matches the bcrypt hash produced
// by HashAdminKey.
func CheckAdminKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
