// Package keystore resolves inbound caller credentials to a tenant and a
// rate-limit tier, and holds the outbound credentials used for each
// upstream provider.
//
// Three inbound sources are supported and can be chained: a static key map
// loaded from configuration, HS256 JWT bearer tokens, and a Postgres table.
package keystore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/omniscient-ai/provider-gateway/internal/providers"
)

// Tier selects a tenant's rate-limit class.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Tiers lists every tier in ascending order.
var Tiers = []Tier{TierFree, TierPro, TierEnterprise}

// ParseTier accepts the canonical tier names.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierFree:
		return TierFree, nil
	case TierPro:
		return TierPro, nil
	case TierEnterprise:
		return TierEnterprise, nil
	}
	return "", fmt.Errorf("keystore: unknown tier %q", s)
}

// TierFromKey derives a tier from the key prefix: "ent-" is enterprise,
// "prod-" is pro, anything else (including "dev-") is free.
func TierFromKey(key string) Tier {
	switch {
	case strings.HasPrefix(key, "ent-"):
		return TierEnterprise
	case strings.HasPrefix(key, "prod-"):
		return TierPro
	default:
		return TierFree
	}
}

// Identity is the request-scoped result of authentication.
type Identity struct {
	TenantID string
	Tier     Tier
	// KeyID is a non-secret fingerprint of the credential, safe to log.
	KeyID string
	// Admin may override provider availability.
	Admin bool
}

var (
	// ErrUnknownKey means the credential is not recognized by a resolver.
	ErrUnknownKey = errors.New("keystore: unknown api key")
	// ErrMissingKey means the caller presented no credential at all.
	ErrMissingKey = errors.New("keystore: missing api key")
)

// Resolver maps an opaque credential to an Identity. Implementations return
// ErrUnknownKey (possibly wrapped) for credentials they do not recognize.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// Chain tries each resolver in order and returns the first match.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrMissingKey
	}
	for _, r := range c {
		id, err := r.Resolve(ctx, credential)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrUnknownKey) {
			return Identity{}, err
		}
	}
	return Identity{}, ErrUnknownKey
}

// KeyID returns the first 12 hex chars of the credential's SHA-256.
func KeyID(credential string) string {
	return HashKey(credential)[:12]
}

// HashKey returns the hex SHA-256 of a credential. Stores keep hashes, never
// plaintext keys.
func HashKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// Credentials holds outbound provider secrets.
type Credentials struct {
	keys map[providers.Name]string
}

// NewCredentials copies keys; empty values are dropped.
func NewCredentials(keys map[providers.Name]string) *Credentials {
	c := &Credentials{keys: make(map[providers.Name]string, len(keys))}
	for n, k := range keys {
		if k != "" {
			c.keys[n] = k
		}
	}
	return c
}

// APIKey returns the secret for name.
func (c *Credentials) APIKey(name providers.Name) (string, bool) {
	k, ok := c.keys[name]
	return k, ok
}
