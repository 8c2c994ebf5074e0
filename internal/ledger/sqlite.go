package ledger

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ceti-ai/ceti/internal/model"
)

// SQLiteIndex is the default local index: a single file, no external
// services. Nearest is a brute-force cosine scan over all live rows, which
// is fine at ledger scale (thousands of certifications, not millions).
type SQLiteIndex struct {
	db *sql.DB
}

// The schema deliberately carries no query column: only the embedding
// represents the adjudicated question.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS certifications (
	certification_id TEXT PRIMARY KEY,
	risk_tier        TEXT NOT NULL,
	response         TEXT NOT NULL,
	issued_at        INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	embedding        BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_certifications_expires_at ON certifications (expires_at);
`

// NewSQLiteIndex opens (or creates) the ledger database at path.
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite at %q: %w", path, err)
	}
	// A single writer keeps SQLITE_BUSY out of the picture; reads are cheap.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: create sqlite schema: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

// Nearest scans all rows and returns the closest by cosine distance.
func (s *SQLiteIndex) Nearest(ctx context.Context, embedding []float32) (*Neighbor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT certification_id, risk_tier, response, issued_at, expires_at, embedding FROM certifications`)
	if err != nil {
		return nil, fmt.Errorf("ledger: sqlite scan: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var best *Neighbor
	for rows.Next() {
		var (
			e        Entry
			tier     string
			respJSON string
			issued   int64
			expires  int64
			blob     []byte
		)
		if err := rows.Scan(&e.CertificationID, &tier, &respJSON, &issued, &expires, &blob); err != nil {
			return nil, fmt.Errorf("ledger: sqlite scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(respJSON), &e.Response); err != nil {
			return nil, fmt.Errorf("ledger: decode stored response %s: %w", e.CertificationID, err)
		}
		e.RiskTier = model.RiskTier(tier)
		e.IssuedAt = time.Unix(issued, 0).UTC()
		e.ExpiresAt = time.Unix(expires, 0).UTC()
		e.Embedding = decodeEmbedding(blob)

		d := cosineDistance(embedding, e.Embedding)
		if best == nil || d < best.Distance {
			best = &Neighbor{Entry: e, Distance: d}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: sqlite iterate: %w", err)
	}
	return best, nil
}

// Upsert inserts or replaces the entry keyed by certification id.
func (s *SQLiteIndex) Upsert(ctx context.Context, e Entry) error {
	respJSON, err := json.Marshal(e.Response)
	if err != nil {
		return fmt.Errorf("ledger: encode response: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO certifications (certification_id, risk_tier, response, issued_at, expires_at, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (certification_id) DO UPDATE SET
			risk_tier = excluded.risk_tier,
			response = excluded.response,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at,
			embedding = excluded.embedding`,
		e.CertificationID, string(e.RiskTier), string(respJSON),
		e.IssuedAt.Unix(), e.ExpiresAt.Unix(), encodeEmbedding(e.Embedding))
	if err != nil {
		return fmt.Errorf("ledger: sqlite upsert: %w", err)
	}
	return nil
}

// Sweep deletes expired rows.
func (s *SQLiteIndex) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM certifications WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("ledger: sqlite sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: sqlite sweep rows affected: %w", err)
	}
	return int(n), nil
}

// Healthy pings the database file.
func (s *SQLiteIndex) Healthy(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ledger: sqlite unhealthy: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

// encodeEmbedding packs float32s as little-endian bytes.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// decodeEmbedding unpacks little-endian float32 bytes. Trailing partial
// words are discarded.
func decodeEmbedding(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
