// Package auth validates API keys against configured SHA-256 hashes.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/graphide/graphide/internal/pkg/config"
)

var (
	// ErrMissingKey is returned when a request carries no API key.
	ErrMissingKey = errors.New("missing Authorization header")
	// ErrInvalidKey is returned when the key matches no configured hash.
	ErrInvalidKey = errors.New("invalid API key")
)

// Key is a configured API key.
type Key struct {
	Hash        string
	Description string
}

// Authenticator validates API keys.
type Authenticator struct {
	keys map[string]Key // keyhash -> key
}

// NewAuthenticator creates an authenticator from configured key hashes.
func NewAuthenticator(keys []config.APIKeyConfig) *Authenticator {
	a := &Authenticator{keys: make(map[string]Key, len(keys))}
	for _, k := range keys {
		hash := strings.ToLower(strings.TrimSpace(k.KeyHash))
		if hash == "" {
			continue
		}
		a.keys[hash] = Key{Hash: hash, Description: k.Description}
	}
	return a
}

// ValidateAPIKey validates an API key and returns the matching key.
func (a *Authenticator) ValidateAPIKey(apiKey string) (Key, error) {
	if apiKey == "" {
		return Key{}, ErrMissingKey
	}
	keyHash := HashAPIKey(apiKey)

	k, ok := a.keys[keyHash]
	if !ok {
		return Key{}, ErrInvalidKey
	}
	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(keyHash), []byte(k.Hash)) != 1 {
		return Key{}, ErrInvalidKey
	}
	return k, nil
}

// ExtractAPIKey extracts the API key from the Authorization header. Both
// "Bearer <key>" and a bare key are accepted.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrMissingKey
	}
	scheme, key, found := strings.Cut(header, " ")
	if !found {
		return header, nil
	}
	if !strings.EqualFold(scheme, "bearer") {
		return "", errors.New("unsupported authorization scheme")
	}
	return strings.TrimSpace(key), nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
