// Package security provides the cryptographic pieces of the suite:
//
//   - Session ciphers for the command channel (XChaCha20-Poly1305 with an
//     HKDF-derived key, and an explicit no-op cipher for debugging)
//   - Agent certificate generation and loading (ECDSA P-384, TLS 1.3)
//   - Certificate fingerprints used by controllers for pinning
//   - Directory session tokens (HMAC-SHA-512)
//   - API keys and HTTP authentication middleware for the status API
package security
