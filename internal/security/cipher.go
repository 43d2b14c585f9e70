package security

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/avaropoint/netctl/internal/protocol"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cipher kinds accepted by NewCipher.
const (
	CipherXChaCha = "xchacha20poly1305"
	CipherNoop    = "noop"
)

// Token version bytes.
const (
	tokenNoop    byte = 0x00
	tokenXChaCha byte = 0x01
)

const sessionKeyBytes = 32

// Cipher turns plaintext envelopes into printable, newline-free tokens
// and back. Implementations must be safe for concurrent use.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(token []byte) ([]byte, error)
}

// NewSessionKey returns fresh key material encoded as URL-safe base64.
// The encoded form is always protocol.SessionKeySize bytes.
func NewSessionKey() ([]byte, error) {
	raw := make([]byte, sessionKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	key := make([]byte, base64.URLEncoding.EncodedLen(sessionKeyBytes))
	base64.URLEncoding.Encode(key, raw)
	return key, nil
}

// NewCipher builds the cipher named by kind from an encoded session key.
func NewCipher(kind string, key []byte) (Cipher, error) {
	switch kind {
	case "", CipherXChaCha:
		return NewXChaCha(key)
	case CipherNoop:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown cipher %q", kind)
	}
}

// ---------------------------------------------------------------------------
// XChaCha20-Poly1305
// ---------------------------------------------------------------------------

// XChaCha seals envelopes with XChaCha20-Poly1305 under a key derived
// from the session key with HKDF-SHA-256.
type XChaCha struct {
	aead cipher.AEAD
}

// NewXChaCha derives the AEAD key from an encoded session key.
func NewXChaCha(key []byte) (*XChaCha, error) {
	raw := make([]byte, base64.URLEncoding.DecodedLen(len(key)))
	n, err := base64.URLEncoding.Decode(raw, key)
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	if n != sessionKeyBytes {
		return nil, fmt.Errorf("session key is %d bytes, want %d", n, sessionKeyBytes)
	}

	derived := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, raw[:n], nil, []byte("netctl-session-v1"))
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, err
	}
	return &XChaCha{aead: aead}, nil
}

// Encrypt seals plaintext under a random nonce.
func (c *XChaCha) Encrypt(plaintext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	buf := make([]byte, 1+ns, 1+ns+len(plaintext)+c.aead.Overhead())
	buf[0] = tokenXChaCha
	if _, err := rand.Read(buf[1 : 1+ns]); err != nil {
		return nil, err
	}
	buf = c.aead.Seal(buf, buf[1:1+ns], plaintext, buf[:1])

	out := make([]byte, base64.RawURLEncoding.EncodedLen(len(buf)))
	base64.RawURLEncoding.Encode(out, buf)
	return out, nil
}

// Decrypt opens a token produced by Encrypt. Any tampering yields
// protocol.ErrDecrypt.
func (c *XChaCha) Decrypt(token []byte) ([]byte, error) {
	buf, err := decodeToken(token)
	if err != nil {
		return nil, err
	}
	ns := c.aead.NonceSize()
	if len(buf) < 1+ns+c.aead.Overhead() || buf[0] != tokenXChaCha {
		return nil, fmt.Errorf("%w: malformed token", protocol.ErrDecrypt)
	}
	plain, err := c.aead.Open(nil, buf[1:1+ns], buf[1+ns:], buf[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrDecrypt, err)
	}
	return plain, nil
}

// ---------------------------------------------------------------------------
// No-op
// ---------------------------------------------------------------------------

// Noop only encodes. It keeps the token shape of the real cipher so the
// transport is unchanged, and must be enabled explicitly on both ends.
type Noop struct{}

// Encrypt encodes plaintext without protecting it.
func (Noop) Encrypt(plaintext []byte) ([]byte, error) {
	buf := make([]byte, 0, 1+len(plaintext))
	buf = append(buf, tokenNoop)
	buf = append(buf, plaintext...)

	out := make([]byte, base64.RawURLEncoding.EncodedLen(len(buf)))
	base64.RawURLEncoding.Encode(out, buf)
	return out, nil
}

// Decrypt decodes a token produced by Noop.Encrypt.
func (Noop) Decrypt(token []byte) ([]byte, error) {
	buf, err := decodeToken(token)
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 || buf[0] != tokenNoop {
		return nil, fmt.Errorf("%w: not a plain token", protocol.ErrDecrypt)
	}
	return buf[1:], nil
}

func decodeToken(token []byte) ([]byte, error) {
	buf := make([]byte, base64.RawURLEncoding.DecodedLen(len(token)))
	n, err := base64.RawURLEncoding.Decode(buf, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrDecrypt, err)
	}
	return buf[:n], nil
}
