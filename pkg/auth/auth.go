// Package auth guards the HTTP ingest endpoint with static API keys.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
)

// HeaderName is the request header carrying the API key.
const HeaderName = "X-API-Key"

// Key is one named API key accepted by the ingest endpoint.
type Key struct {
	Name   string `yaml:"name"`
	Secret string `yaml:"secret"`
}

// Keyring holds the accepted keys. An empty keyring disables authentication.
type Keyring struct {
	mu   sync.RWMutex
	keys []Key
}

// NewKeyring builds a keyring; keys without a name or secret are rejected.
func NewKeyring(keys ...Key) (*Keyring, error) {
	r := &Keyring{}
	for _, k := range keys {
		if err := r.Add(k); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add appends a key to the ring.
func (r *Keyring) Add(key Key) error {
	if key.Name == "" {
		return fmt.Errorf("api key name cannot be empty")
	}
	if key.Secret == "" {
		return fmt.Errorf("api key %q has an empty secret", key.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return nil
}

// Empty reports whether any keys are configured.
func (r *Keyring) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys) == 0
}

// Validate checks a presented secret in constant time against every key and
// returns the matching key's name.
func (r *Keyring) Validate(secret string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := ""
	matched := 0
	for _, k := range r.keys {
		if subtle.ConstantTimeCompare([]byte(k.Secret), []byte(secret)) == 1 {
			name = k.Name
			matched = 1
		}
	}
	if matched != 1 {
		return "", fmt.Errorf("unknown api key")
	}
	return name, nil
}

// Middleware enforces the API key header on every request except GET
// /health. With an empty keyring requests pass through untouched.
func (r *Keyring) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.Empty() || (req.Method == http.MethodGet && req.URL.Path == "/health") {
			next.ServeHTTP(w, req)
			return
		}
		secret := req.Header.Get(HeaderName)
		if secret == "" {
			unauthorized(w, "missing "+HeaderName+" header")
			return
		}
		if _, err := r.Validate(secret); err != nil {
			unauthorized(w, "invalid api key")
			return
		}
		next.ServeHTTP(w, req)
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":"unauthorized","message":%q}`, message)
}

// GenerateSecret returns a random 32-byte hex secret, handy for
// provisioning keys.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
