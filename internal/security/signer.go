package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Token verification errors.
var (
	ErrTokenMalformed = errors.New("malformed token")
	ErrTokenInvalid   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
)

const seedSize = 32

// Signer issues and verifies stateless session tokens for the directory
// server. The HMAC key is derived from a persisted seed, so tokens stay
// valid across restarts.
type Signer struct {
	key []byte
}

// LoadOrCreateSigner loads the signing seed from dataDir or generates one.
func LoadOrCreateSigner(dataDir string) (*Signer, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	path := filepath.Join(dataDir, "directory.key")
	if fileExists(path) {
		return loadSeed(path)
	}
	return generateSeed(path)
}

// NewSigner derives a signer from seed.
func NewSigner(seed []byte) *Signer {
	// HKDF-SHA-512 keeps the token key separate from the stored seed.
	key := make([]byte, 64)
	r := hkdf.New(sha512.New, seed, []byte("netctl-directory-v1"), []byte("session-token"))
	io.ReadFull(r, key) //nolint:errcheck
	return &Signer{key: key}
}

// SignToken produces a versioned token:
//
//	v1.<subject>.<unix expiry>.<hmac_sha512_hex>
func (s *Signer) SignToken(subject string, expires time.Time) string {
	body := fmt.Sprintf("v1.%s.%d", subject, expires.Unix())
	return body + "." + hex.EncodeToString(s.mac(body))
}

// VerifyToken checks a token and returns its subject.
func (s *Signer) VerifyToken(token string, now time.Time) (string, error) {
	if !strings.HasPrefix(token, "v1.") {
		return "", ErrTokenMalformed
	}

	macDot := strings.LastIndexByte(token, '.')
	if macDot <= 3 {
		return "", ErrTokenMalformed
	}
	body := token[:macDot]
	expDot := strings.LastIndexByte(body, '.')
	if expDot <= 3 {
		return "", ErrTokenMalformed
	}

	provided, err := hex.DecodeString(token[macDot+1:])
	if err != nil {
		return "", ErrTokenMalformed
	}
	if !hmac.Equal(provided, s.mac(body)) {
		return "", ErrTokenInvalid
	}

	exp, err := strconv.ParseInt(body[expDot+1:], 10, 64)
	if err != nil {
		return "", ErrTokenMalformed
	}
	if now.Unix() >= exp {
		return "", ErrTokenExpired
	}
	return body[3:expDot], nil
}

func (s *Signer) mac(body string) []byte {
	m := hmac.New(sha512.New, s.key)
	m.Write([]byte("session-token:" + body))
	return m.Sum(nil)
}

func loadSeed(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "DIRECTORY SEED" {
		return nil, fmt.Errorf("invalid directory key file")
	}
	if len(block.Bytes) != seedSize {
		return nil, fmt.Errorf("invalid directory key size")
	}
	return NewSigner(block.Bytes), nil
}

func generateSeed(path string) (*Signer, error) {
	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := writePEM(path, "DIRECTORY SEED", seed); err != nil {
		return nil, err
	}
	return NewSigner(seed), nil
}
