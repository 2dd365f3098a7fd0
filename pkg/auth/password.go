// Package auth verifies pharmacist credentials. Password storage and user
// management live in the staff system; this package only checks a submitted
// password against the stored bcrypt hash.
package auth

import "golang.org/x/crypto/bcrypt"

// HashPassword returns the bcrypt hash for a password. Used by seeds and
// tests; production hashes come from the staff system.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// CheckPassword validates a password against a stored bcrypt hash.
func CheckPassword(password, stored string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}
