// Package ratelimit admits or rejects requests per tenant before any
// upstream cost is incurred.
//
// Two backends are provided. Redis keeps a sliding window in a shared sorted
// set, so every gateway instance sees one quota per tenant. Memory keeps the
// same sliding window per tenant in the local process; it does not scale
// horizontally and is meant for single-instance deployments.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omniscient-ai/provider-gateway/internal/keystore"
)

// ErrBackendUnavailable is returned by shared-store limiters configured to
// fail closed when the store cannot be reached.
var ErrBackendUnavailable = errors.New("ratelimit: backend unavailable")

// Limit is N requests per Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Policy maps each tier to its Limit.
type Policy map[keystore.Tier]Limit

// DefaultPolicy is 20/100/1000 requests per minute for free/pro/enterprise.
func DefaultPolicy() Policy {
	return Policy{
		keystore.TierFree:       {Requests: 20, Window: time.Minute},
		keystore.TierPro:        {Requests: 100, Window: time.Minute},
		keystore.TierEnterprise: {Requests: 1000, Window: time.Minute},
	}
}

// For returns the limit for tier, falling back to the free tier.
func (p Policy) For(tier keystore.Tier) Limit {
	if l, ok := p[tier]; ok {
		return l
	}
	return p[keystore.TierFree]
}

func (p Policy) validate() error {
	if _, ok := p[keystore.TierFree]; !ok {
		return fmt.Errorf("ratelimit: policy has no %q tier", keystore.TierFree)
	}
	for tier, l := range p {
		if l.Requests <= 0 || l.Window <= 0 {
			return fmt.Errorf("ratelimit: tier %q needs a positive limit and window", tier)
		}
	}
	return nil
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is set on rejection: the earliest time a retry can succeed.
	RetryAfter time.Duration
}

// Limiter is consulted once per inbound request.
type Limiter interface {
	Allow(ctx context.Context, tenantID string, tier keystore.Tier) (Decision, error)
}

// Unlimited admits everything. Used when rate limiting is disabled.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string, keystore.Tier) (Decision, error) {
	return Decision{Allowed: true}, nil
}
