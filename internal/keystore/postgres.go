package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
)

const resolveQuery = `SELECT tenant_id, tier FROM api_keys WHERE key_hash = $1 AND revoked_at IS NULL`

// Postgres resolves keys from the api_keys table:
//
//	CREATE TABLE api_keys (
//	    key_hash   TEXT PRIMARY KEY,
//	    tenant_id  TEXT NOT NULL,
//	    tier       TEXT NOT NULL DEFAULT 'free',
//	    revoked_at TIMESTAMPTZ
//	);
//
// Positive lookups are cached in-process for cacheTTL.
type Postgres struct {
	db    *sql.DB
	cache *expirable.LRU[string, Identity]
}

// OpenPostgres connects with the pgx driver and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, cacheTTL time.Duration) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("keystore: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keystore: ping postgres: %w", err)
	}
	return NewPostgres(db, cacheTTL), nil
}

// NewPostgres wraps an existing handle. A zero cacheTTL disables caching.
func NewPostgres(db *sql.DB, cacheTTL time.Duration) *Postgres {
	p := &Postgres{db: db}
	if cacheTTL > 0 {
		p.cache = expirable.NewLRU[string, Identity](4096, nil, cacheTTL)
	}
	return p
}

func (p *Postgres) Resolve(ctx context.Context, credential string) (Identity, error) {
	h := HashKey(credential)
	if p.cache != nil {
		if id, ok := p.cache.Get(h); ok {
			return id, nil
		}
	}

	var tenant, tierStr string
	err := p.db.QueryRowContext(ctx, resolveQuery, h).Scan(&tenant, &tierStr)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrUnknownKey
	}
	if err != nil {
		return Identity{}, fmt.Errorf("keystore: query api key: %w", err)
	}

	tier, err := ParseTier(tierStr)
	if err != nil {
		tier = TierFromKey(credential)
	}
	id := Identity{TenantID: tenant, Tier: tier, KeyID: h[:12]}
	if p.cache != nil {
		p.cache.Add(h, id)
	}
	return id, nil
}

// Ping reports whether the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
