package security

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware validates API key authentication on HTTP requests.
// With no configured key hashes every request is allowed.
type AuthMiddleware struct {
	hashes []string
}

// NewAuthMiddleware creates a middleware accepting keys whose SHA-256
// hash is in keyHashes.
func NewAuthMiddleware(keyHashes ...string) *AuthMiddleware {
	var hashes []string
	for _, h := range keyHashes {
		if h = strings.TrimSpace(h); h != "" {
			hashes = append(hashes, strings.ToLower(h))
		}
	}
	return &AuthMiddleware{hashes: hashes}
}

// Enabled reports whether any key is configured.
func (a *AuthMiddleware) Enabled() bool { return len(a.hashes) > 0 }

// Wrap returns a handler that requires a valid API key.
// The key can be provided via Authorization header or "token" query parameter.
func (a *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		key := extractKey(r)
		if key == "" {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}

		if !a.valid(HashAPIKey(key)) {
			http.Error(w, `{"error":"invalid API key"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *AuthMiddleware) valid(hash string) bool {
	for _, h := range a.hashes {
		if subtle.ConstantTimeCompare([]byte(h), []byte(hash)) == 1 {
			return true
		}
	}
	return false
}

// extractKey gets the API key from the request.
// Checks Authorization: Bearer <key> header first, then "token" query param.
func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return r.URL.Query().Get("token")
}
