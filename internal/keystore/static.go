package keystore

import (
	"context"
	"fmt"
	"strings"
)

// Static resolves keys from an in-memory table built at startup.
type Static struct {
	byHash map[string]Identity
}

// ParseStatic builds a Static store from "key=tenant[:tier]" entries. When
// the tier is omitted it is derived from the key prefix.
func ParseStatic(entries []string) (*Static, error) {
	return parseStatic(entries, false)
}

// ParseAdmin is ParseStatic for operator keys; every identity it resolves
// carries Admin.
func ParseAdmin(entries []string) (*Static, error) {
	return parseStatic(entries, true)
}

func parseStatic(entries []string, admin bool) (*Static, error) {
	s := &Static{byHash: make(map[string]Identity, len(entries))}
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		key, rest, ok := strings.Cut(raw, "=")
		if !ok || key == "" || rest == "" {
			return nil, fmt.Errorf("keystore: malformed key entry %q, want key=tenant[:tier]", redact(raw))
		}

		tenant, tierStr, hasTier := strings.Cut(rest, ":")
		tier := TierFromKey(key)
		if hasTier {
			t, err := ParseTier(tierStr)
			if err != nil {
				return nil, err
			}
			tier = t
		}

		h := HashKey(key)
		if _, dup := s.byHash[h]; dup {
			return nil, fmt.Errorf("keystore: duplicate key for tenant %q", tenant)
		}
		s.byHash[h] = Identity{TenantID: tenant, Tier: tier, KeyID: h[:12], Admin: admin}
	}
	return s, nil
}

func (s *Static) Resolve(_ context.Context, credential string) (Identity, error) {
	if id, ok := s.byHash[HashKey(credential)]; ok {
		return id, nil
	}
	return Identity{}, ErrUnknownKey
}

// Len returns the number of configured keys.
func (s *Static) Len() int { return len(s.byHash) }

func redact(entry string) string {
	key, rest, _ := strings.Cut(entry, "=")
	if len(key) > 4 {
		key = key[:4] + "***"
	}
	return key + "=" + rest
}
