// Package auth implements API-key authentication for the gateway. Keys are
// a static allow-list from config and environment; every request except the
// public endpoints must present one in the X-API-Key header.
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// HeaderName is the request header carrying the API key.
const HeaderName = "X-API-Key"

// Keyring holds the accepted API keys. Immutable after construction.
type Keyring struct {
	keys   []string
	logger *slog.Logger
}

// NewKeyring creates a Keyring. An empty key list means authentication is
// disabled; the caller should log loudly when that happens.
func NewKeyring(keys []string, logger *slog.Logger) *Keyring {
	if logger == nil {
		logger = slog.Default()
	}
	filtered := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			filtered = append(filtered, k)
		}
	}
	return &Keyring{
		keys:   filtered,
		logger: logger.With("component", "auth.Keyring"),
	}
}

// Empty reports whether no keys are configured.
func (k *Keyring) Empty() bool {
	return len(k.keys) == 0
}

// Valid checks a presented key in constant time per candidate.
func (k *Keyring) Valid(key string) bool {
	if key == "" {
		return false
	}
	for _, candidate := range k.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// Middleware rejects requests without a valid key. The error body is
// uniform so probes cannot distinguish a missing key from a wrong one.
func (k *Keyring) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if k.Empty() {
			next.ServeHTTP(w, r)
			return
		}
		if !k.Valid(r.Header.Get(HeaderName)) {
			k.logger.Warn("rejected request with invalid api key",
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid or missing API key"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
