package securestore

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashPassword returns hex(SHA256(SHA256(password))). It is a stored check
// value only; document encryption keys come from the slow KDF.
func HashPassword(password string) string {
	first := sha256.Sum256([]byte(password))
	second := sha256.Sum256(first[:])
	return hex.EncodeToString(second[:])
}

// VerifyPassword compares in constant time with respect to the digest contents.
func VerifyPassword(password, digest string) bool {
	expected := HashPassword(password)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(digest)) == 1
}
