package keystore

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/omniscient-ai/provider-gateway/internal/providers"
)

func TestTierFromKey(t *testing.T) {
	tests := []struct {
		key  string
		want Tier
	}{
		{"ent-abc", TierEnterprise},
		{"prod-abc", TierPro},
		{"dev-abc", TierFree},
		{"whatever", TierFree},
		{"", TierFree},
	}
	for _, tt := range tests {
		if got := TierFromKey(tt.key); got != tt.want {
			t.Errorf("TierFromKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestParseTier(t *testing.T) {
	if got, err := ParseTier(" Enterprise "); err != nil || got != TierEnterprise {
		t.Fatalf("ParseTier: got %q, %v", got, err)
	}
	if _, err := ParseTier("platinum"); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}

func TestParseStatic(t *testing.T) {
	s, err := ParseStatic([]string{
		"dev-key-1=tenant-a",
		"prod-key-2=tenant-b",
		"custom=tenant-c:enterprise",
		"",
	})
	if err != nil {
		t.Fatalf("ParseStatic: %v", err)
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 keys, got %d", s.Len())
	}

	ctx := context.Background()
	tests := []struct {
		key    string
		tenant string
		tier   Tier
	}{
		{"dev-key-1", "tenant-a", TierFree},
		{"prod-key-2", "tenant-b", TierPro},
		{"custom", "tenant-c", TierEnterprise},
	}
	for _, tt := range tests {
		id, err := s.Resolve(ctx, tt.key)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.key, err)
		}
		if id.TenantID != tt.tenant || id.Tier != tt.tier {
			t.Errorf("Resolve(%q) = %+v", tt.key, id)
		}
		if strings.Contains(id.KeyID, tt.key) || len(id.KeyID) != 12 {
			t.Errorf("KeyID must be a short hash, got %q", id.KeyID)
		}
	}

	if _, err := s.Resolve(ctx, "nope"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestParseStatic_Malformed(t *testing.T) {
	for _, in := range []string{"novalue", "=tenant", "k=", "k=t:gold"} {
		if _, err := ParseStatic([]string{in}); err == nil {
			t.Errorf("ParseStatic(%q): expected error", in)
		}
	}
	if _, err := ParseStatic([]string{"a=t1", "a=t2"}); err == nil {
		t.Error("expected duplicate key error")
	}
}

func TestParseAdmin(t *testing.T) {
	ctx := context.Background()
	admins, err := ParseAdmin([]string{"ops-1=platform"})
	if err != nil {
		t.Fatalf("ParseAdmin: %v", err)
	}
	id, err := admins.Resolve(ctx, "ops-1")
	if err != nil || !id.Admin || id.TenantID != "platform" {
		t.Fatalf("admin key: %+v %v", id, err)
	}

	users, _ := ParseStatic([]string{"dev-a=tenant-a"})
	if id, _ := users.Resolve(ctx, "dev-a"); id.Admin {
		t.Fatal("tenant keys must not carry admin")
	}
}

func TestJWT_RoundTrip(t *testing.T) {
	j := NewJWT("s3cret")
	tok, err := j.Issue("tenant-x", TierPro, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := j.Resolve(context.Background(), tok)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.TenantID != "tenant-x" || id.Tier != TierPro || id.Admin {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestJWT_AdminClaim(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		TenantID:         "platform",
		Admin:            true,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatal(err)
	}
	id, err := NewJWT("s3cret").Resolve(context.Background(), tok)
	if err != nil || !id.Admin {
		t.Fatalf("admin claim: %+v %v", id, err)
	}
}

func TestJWT_Rejects(t *testing.T) {
	ctx := context.Background()
	j := NewJWT("s3cret")

	other, _ := NewJWT("different").Issue("tenant-x", TierFree, time.Hour)
	expired, _ := j.Issue("tenant-x", TierFree, -time.Minute)
	noTenant, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("s3cret"))

	tests := []struct {
		name string
		tok  string
	}{
		{"opaque key", "dev-key-1"},
		{"wrong secret", other},
		{"expired", expired},
		{"no tenant", noTenant},
		{"garbage with dots", "a.b.c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := j.Resolve(ctx, tt.tok); !errors.Is(err, ErrUnknownKey) {
				t.Fatalf("expected ErrUnknownKey, got %v", err)
			}
		})
	}
}

type failingResolver struct{ err error }

func (f failingResolver) Resolve(context.Context, string) (Identity, error) {
	return Identity{}, f.err
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	static, err := ParseStatic([]string{"dev-a=tenant-a"})
	if err != nil {
		t.Fatal(err)
	}
	j := NewJWT("s3cret")
	chain := Chain{static, j}

	if _, err := chain.Resolve(ctx, ""); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("empty credential: got %v", err)
	}
	if id, err := chain.Resolve(ctx, "dev-a"); err != nil || id.TenantID != "tenant-a" {
		t.Fatalf("static: %+v %v", id, err)
	}
	tok, _ := j.Issue("tenant-j", TierEnterprise, time.Hour)
	if id, err := chain.Resolve(ctx, tok); err != nil || id.TenantID != "tenant-j" {
		t.Fatalf("jwt: %+v %v", id, err)
	}
	if _, err := chain.Resolve(ctx, "missing"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("unknown: got %v", err)
	}

	boom := errors.New("db down")
	if _, err := (Chain{failingResolver{boom}, static}).Resolve(ctx, "dev-a"); !errors.Is(err, boom) {
		t.Fatalf("backend error should stop the chain, got %v", err)
	}
}

func TestPostgres_Resolve(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	q := regexp.QuoteMeta(resolveQuery)
	mock.ExpectQuery(q).
		WithArgs(HashKey("prod-live")).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "tier"}).AddRow("tenant-db", "pro"))
	mock.ExpectQuery(q).
		WithArgs(HashKey("gone")).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "tier"}))

	p := NewPostgres(db, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		id, err := p.Resolve(ctx, "prod-live")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if id.TenantID != "tenant-db" || id.Tier != TierPro {
			t.Fatalf("unexpected identity %+v", id)
		}
	}
	if _, err := p.Resolve(ctx, "gone"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}

	// The second "prod-live" lookup was served from cache.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgres_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(resolveQuery)).WillReturnError(errors.New("connection refused"))

	_, err = NewPostgres(db, 0).Resolve(context.Background(), "k")
	if err == nil || errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestCredentials(t *testing.T) {
	c := NewCredentials(map[providers.Name]string{
		providers.OpenAI:    "sk-1",
		providers.Anthropic: "",
	})
	if k, ok := c.APIKey(providers.OpenAI); !ok || k != "sk-1" {
		t.Fatalf("openai key: %q %v", k, ok)
	}
	if _, ok := c.APIKey(providers.Anthropic); ok {
		t.Fatal("empty key must be dropped")
	}
}
