package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by gateway bearer tokens.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Tier     string `json:"tier,omitempty"`
	Admin    bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// JWT validates HS256 bearer tokens signed with a shared secret.
type JWT struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWT(secret string) *JWT {
	return &JWT{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Issue signs a token for tenant valid for ttl.
func (j *JWT) Issue(tenantID string, tier Tier, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		TenantID: tenantID,
		Tier:     string(tier),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// Resolve returns ErrUnknownKey for anything that is not shaped like a JWT,
// so it can sit behind opaque-key resolvers in a Chain.
func (j *JWT) Resolve(_ context.Context, credential string) (Identity, error) {
	if strings.Count(credential, ".") != 2 {
		return Identity{}, ErrUnknownKey
	}

	claims := &Claims{}
	token, err := j.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return Identity{}, ErrUnknownKey
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrUnknownKey, err)
	}
	if !token.Valid || claims.TenantID == "" {
		return Identity{}, fmt.Errorf("%w: token has no tenant", ErrUnknownKey)
	}

	tier := TierFree
	if claims.Tier != "" {
		t, err := ParseTier(claims.Tier)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrUnknownKey, err)
		}
		tier = t
	}

	return Identity{TenantID: claims.TenantID, Tier: tier, KeyID: KeyID(credential), Admin: claims.Admin}, nil
}
