// Package auth verifies gateway callers. Tokens have the form
// "<key_id>.<secret>": the key id locates the record, and the secret is
// checked against a bcrypt hash. A verified identity carries the user and,
// for organizational accounts, the billing tenant.
package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/edupro/ai-gateway/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

// Identity is the authenticated caller. TenantID is empty for individual
// accounts with no billing organization.
type Identity struct {
	UserID   string
	TenantID string
}

type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// APIKey is one issued credential.
type APIKey struct {
	ID         string
	UserID     string
	TenantID   string
	SecretHash string // bcrypt
	Enabled    bool
}

// TokenFromRequest extracts the bearer token, or "" when absent.
func TokenFromRequest(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// splitToken separates a token into key id and secret.
func splitToken(token string) (id, secret string, ok bool) {
	id, secret, ok = strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

func verifyKey(key *APIKey, secret string) (*Identity, error) {
	if !key.Enabled {
		return nil, domain.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		return nil, domain.ErrUnauthorized
	}
	return &Identity{UserID: key.UserID, TenantID: key.TenantID}, nil
}

// HashSecret bcrypt-hashes the secret half of a token for storage.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// InMemoryVerifier holds keys in a map, for tests and local runs.
type InMemoryVerifier struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

func NewInMemoryVerifier() *InMemoryVerifier {
	return &InMemoryVerifier{keys: make(map[string]*APIKey)}
}

// Add registers a key whose SecretHash is already computed.
func (v *InMemoryVerifier) Add(key APIKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[key.ID] = &key
}

// Issue creates an enabled key for a user and returns the full token.
func (v *InMemoryVerifier) Issue(keyID, userID, tenantID, secret string) (string, error) {
	hash, err := HashSecret(secret)
	if err != nil {
		return "", err
	}
	v.Add(APIKey{ID: keyID, UserID: userID, TenantID: tenantID, SecretHash: hash, Enabled: true})
	return keyID + "." + secret, nil
}

func (v *InMemoryVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	id, secret, ok := splitToken(token)
	if !ok {
		return nil, domain.ErrUnauthorized
	}

	v.mu.RLock()
	key, found := v.keys[id]
	v.mu.RUnlock()
	if !found {
		return nil, domain.ErrUnauthorized
	}

	return verifyKey(key, secret)
}
