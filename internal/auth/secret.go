package auth

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// HashSecret hashes an automation secret for AUTOMATION_SECRET_BCRYPT.
func HashSecret(secret string, cost int) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// CompareSecret verifies a presented secret against its bcrypt hash.
func CompareSecret(hashed, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
}

// SecretEqual compares two shared secrets in constant time. Empty values never
// match.
func SecretEqual(expected, presented string) bool {
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
