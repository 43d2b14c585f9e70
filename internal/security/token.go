package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// Ambiguity-safe alphabet: letters + digits, minus O/0/I/1/L.
const tokenAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz23456789"

// GeneratePassword returns a random password of the given length, used
// for the directory's initial admin account.
func GeneratePassword(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i := range b {
		out[i] = tokenAlphabet[int(b[i])%len(tokenAlphabet)]
	}
	return string(out), nil
}

// GenerateAPIKey creates a key for the controller status API with the
// format nc_<random>. The hash is what goes into configuration.
func GenerateAPIKey() (key, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	key = "nc_" + hex.EncodeToString(raw)
	return key, HashAPIKey(key), nil
}

// HashAPIKey returns the SHA-256 hash of an API key.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
