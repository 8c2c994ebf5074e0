package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/ceti-ai/ceti/internal/model"
)

// PostgresIndex stores certifications in Postgres with pgvector and lets the
// database do the nearest-neighbor work (`<=>` is cosine distance).
type PostgresIndex struct {
	pool *pgxpool.Pool
	dims int
}

// NewPostgresIndex connects, ensures the vector extension and schema, and
// returns a ready index. dims must match the embedding provider.
func NewPostgresIndex(ctx context.Context, dsn string, dims int) (*PostgresIndex, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse postgres DSN: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: create postgres pool: %w", err)
	}

	idx := &PostgresIndex{pool: pool, dims: dims}
	if err := idx.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

func (p *PostgresIndex) ensureSchema(ctx context.Context) error {
	// The extension must exist before pgvector types register on pooled
	// connections, so acquire a fresh connection after creating it.
	if _, err := p.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("ledger: create vector extension: %w", err)
	}
	// No query column: only the embedding represents the adjudicated question.
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS certifications (
			certification_id TEXT PRIMARY KEY,
			risk_tier        TEXT NOT NULL,
			response         JSONB NOT NULL,
			issued_at        TIMESTAMPTZ NOT NULL,
			expires_at       TIMESTAMPTZ NOT NULL,
			embedding        vector(%d) NOT NULL
		)`, p.dims))
	if err != nil {
		return fmt.Errorf("ledger: create certifications table: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_certifications_expires_at ON certifications (expires_at)`)
	if err != nil {
		return fmt.Errorf("ledger: create expiry index: %w", err)
	}
	return nil
}

// Nearest returns the closest row by cosine distance.
func (p *PostgresIndex) Nearest(ctx context.Context, embedding []float32) (*Neighbor, error) {
	vec := pgvector.NewVector(embedding)
	row := p.pool.QueryRow(ctx, `
		SELECT certification_id, risk_tier, response, issued_at, expires_at,
		       embedding, embedding <=> $1 AS distance
		FROM certifications
		ORDER BY embedding <=> $1
		LIMIT 1`, vec)

	var (
		e        Entry
		tier     string
		respJSON []byte
		stored   pgvector.Vector
		distance float64
	)
	err := row.Scan(&e.CertificationID, &tier, &respJSON,
		&e.IssuedAt, &e.ExpiresAt, &stored, &distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: postgres nearest: %w", err)
	}
	if err := json.Unmarshal(respJSON, &e.Response); err != nil {
		return nil, fmt.Errorf("ledger: decode stored response %s: %w", e.CertificationID, err)
	}
	e.RiskTier = model.RiskTier(tier)
	e.Embedding = stored.Slice()
	return &Neighbor{Entry: e, Distance: distance}, nil
}

// Upsert inserts or replaces the entry keyed by certification id.
func (p *PostgresIndex) Upsert(ctx context.Context, e Entry) error {
	respJSON, err := json.Marshal(e.Response)
	if err != nil {
		return fmt.Errorf("ledger: encode response: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO certifications (certification_id, risk_tier, response, issued_at, expires_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (certification_id) DO UPDATE SET
			risk_tier = EXCLUDED.risk_tier,
			response = EXCLUDED.response,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			embedding = EXCLUDED.embedding`,
		e.CertificationID, string(e.RiskTier), respJSON,
		e.IssuedAt, e.ExpiresAt, pgvector.NewVector(e.Embedding))
	if err != nil {
		return fmt.Errorf("ledger: postgres upsert: %w", err)
	}
	return nil
}

// Sweep deletes expired rows.
func (p *PostgresIndex) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM certifications WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("ledger: postgres sweep: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Healthy pings the pool.
func (p *PostgresIndex) Healthy(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ledger: postgres unhealthy: %w", err)
	}
	return nil
}

// Close shuts down the pool.
func (p *PostgresIndex) Close() error {
	p.pool.Close()
	return nil
}
