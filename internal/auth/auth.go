// Package auth checks the key callers present with every request.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrInvalidKey is returned for a key that is neither allow-listed nor a
// valid signed token.
var ErrInvalidKey = errors.New("invalid key")

const issuer = "codesand"

// KeySet is the set of accepted keys. When a secret is set, HS256 tokens
// signed with it are accepted as well.
type KeySet struct {
	mu     sync.RWMutex
	keys   map[string]struct{}
	secret []byte
}

// NewKeySet creates a key set from inline keys and an optional JWT secret.
func NewKeySet(keys []string, secret string) *KeySet {
	ks := &KeySet{keys: make(map[string]struct{})}
	ks.Add(keys...)
	if secret != "" {
		ks.secret = []byte(secret)
	}
	return ks
}

// Add allow-lists keys. Blank keys are ignored.
func (ks *KeySet) Add(keys ...string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k != "" {
			ks.keys[k] = struct{}{}
		}
	}
}

// LoadFile adds the keys listed in a YAML file (a plain sequence of strings).
// A missing file is not an error.
func (ks *KeySet) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading keys file: %w", err)
	}
	var keys []string
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("parsing keys file %s: %w", path, err)
	}
	ks.Add(keys...)
	return nil
}

// Len returns the number of allow-listed keys.
func (ks *KeySet) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.keys)
}

// TokensEnabled reports whether signed tokens are accepted.
func (ks *KeySet) TokensEnabled() bool {
	return len(ks.secret) > 0
}

// Verify accepts an allow-listed key or a valid signed token and returns the
// caller's subject ("key" for allow-listed keys).
func (ks *KeySet) Verify(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}

	ks.mu.RLock()
	_, ok := ks.keys[key]
	ks.mu.RUnlock()
	if ok {
		return "key", nil
	}

	if !ks.TokensEnabled() {
		return "", ErrInvalidKey
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(key, claims, func(t *jwt.Token) (any, error) {
		return ks.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return claims.Subject, nil
}

// Issue mints a signed token for subject valid for ttl.
func (ks *KeySet) Issue(subject string, ttl time.Duration) (string, error) {
	if !ks.TokensEnabled() {
		return "", errors.New("no token secret configured")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(ks.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
