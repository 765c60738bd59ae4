// Package cache stores completed responses keyed by a fingerprint of every
// request field that can change the output.
//
// Two backends implement Cache:
//   - Redis: shared by every gateway replica.
//   - Memory: capacity-bounded LRU in this process only; it does not scale
//     horizontally.
//
// Both check created_at+ttl on every read, so an entry is never served past
// its TTL even when the backend has not yet evicted it.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/omniscient-ai/provider-gateway/internal/providers"
)

// ErrBackendUnavailable is returned by shared backends configured to fail
// closed.
var ErrBackendUnavailable = errors.New("cache: backend unavailable")

// Entry is one cached response.
type Entry struct {
	Content         string         `json:"content"`
	Model           string         `json:"model,omitempty"`
	Provider        providers.Name `json:"provider"`
	TokensEstimated int            `json:"tokens_estimated"`
	CreatedAt       time.Time      `json:"created_at"`
	TTL             time.Duration  `json:"ttl"`
}

// Fresh reports whether e may still be served at now.
func (e Entry) Fresh(now time.Time) bool {
	return e.TTL > 0 && now.Before(e.CreatedAt.Add(e.TTL))
}

// Cache is implemented by every backend. Get returns (entry, true, nil) on a
// hit and (zero, false, nil) on a miss; a non-nil error is only returned by
// backends that fail closed.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, e Entry) error
}

// Key is the canonical set of cache-relevant request fields. Tenant and
// strategy are deliberately absent: two tenants asking the same question get
// the same answer.
type Key struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

// Fingerprint is the hex SHA-256 of k's JSON encoding. Struct field order
// fixes the byte layout, so fingerprints are stable across restarts.
func Fingerprint(k Key) string {
	b, _ := json.Marshal(k)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Disabled is a Cache that never hits.
type Disabled struct{}

func (Disabled) Get(context.Context, string) (Entry, bool, error) { return Entry{}, false, nil }
func (Disabled) Put(context.Context, string, Entry) error          { return nil }
