// Package ledger provides the semantic certification ledger: a vector index
// of previously granted authorizations keyed by certification id.
//
// The ledger is a cache with authorization semantics layered on top. A lookup
// hit must satisfy three conditions at once: cosine distance within the
// similarity threshold, the stored entry not expired, and risk-tier
// monotonicity (a request never accepts a certification adjudicated at a
// lower tier than its own). Only GRANTED outcomes are ever stored.
package ledger

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ceti-ai/ceti/internal/model"
	"github.com/ceti-ai/ceti/internal/service/embedding"
)

// Entry is one certified authorization stored in the index. The query text
// is never persisted; the embedding is the only trace of it, and lookups
// work purely on vector similarity.
type Entry struct {
	CertificationID string
	RiskTier        model.RiskTier
	Response        model.Response
	IssuedAt        time.Time
	ExpiresAt       time.Time
	Embedding       []float32
}

// Neighbor is the nearest stored entry to a probe embedding.
// Distance is cosine distance in [0, 2]; backends that return similarity
// scores convert before returning. Embedding may be empty for backends that
// do not return vectors with search results.
type Neighbor struct {
	Entry    Entry
	Distance float64
}

// Index is the pluggable vector store behind the ledger. Implementations:
// sqlite (default local file), postgres (pgvector), qdrant.
type Index interface {
	// Nearest returns the single closest entry to the embedding, or nil when
	// the index is empty.
	Nearest(ctx context.Context, embedding []float32) (*Neighbor, error)

	// Upsert inserts or replaces the entry keyed by certification id.
	Upsert(ctx context.Context, e Entry) error

	// Sweep deletes entries that expired at or before now and returns the
	// number removed.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// Healthy reports whether the backing store is reachable.
	Healthy(ctx context.Context) error

	Close() error
}

// Probe carries the embedding computed during Lookup so Store does not have
// to embed the same query twice.
type Probe struct {
	embedding []float32
	ok        bool
}

// Ledger applies the lookup and store contracts over an Index.
type Ledger struct {
	index     Index
	embedder  embedding.Provider
	threshold float64
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger

	// Serializes writes within the process. Concurrent adjudications of
	// near-identical queries would otherwise race between the conflict check
	// and the upsert.
	mu sync.Mutex
}

// New creates a ledger over the given index. threshold is the similarity
// threshold in (0, 1); a probe hits when cosine distance <= 1 - threshold.
func New(index Index, embedder embedding.Provider, threshold float64, ttl time.Duration, now func() time.Time, logger *slog.Logger) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		index:     index,
		embedder:  embedder,
		threshold: threshold,
		ttl:       ttl,
		now:       now,
		logger:    logger,
	}
}

// Lookup searches for a valid certification covering the query at the given
// tier. On a hit it returns the cached response with meta marked as served
// from the ledger; the certification id and response content are byte-for-byte
// those of the original grant.
//
// Every failure inside the lookup path degrades to a miss. The ledger is an
// optimization layer and must never fail an adjudication.
func (l *Ledger) Lookup(ctx context.Context, query string, tier model.RiskTier) (*model.Response, Probe) {
	vec, err := l.embedder.Embed(ctx, query)
	if err != nil {
		l.logger.Warn("ledger: embed query failed, treating as miss", "error", err)
		return nil, Probe{}
	}
	emb := vec.Slice()
	probe := Probe{embedding: emb, ok: true}

	if norm(emb) == 0 {
		return nil, probe
	}

	n, err := l.index.Nearest(ctx, emb)
	if err != nil {
		l.logger.Warn("ledger: nearest lookup failed, treating as miss", "error", err)
		return nil, probe
	}
	if n == nil {
		return nil, probe
	}

	if n.Distance > 1-l.threshold {
		return nil, probe
	}
	if !n.Entry.ExpiresAt.After(l.now()) {
		return nil, probe
	}
	if n.Entry.RiskTier.Index() < tier.Index() {
		l.logger.Debug("ledger: near entry rejected by tier monotonicity",
			"entry_tier", n.Entry.RiskTier, "request_tier", tier)
		return nil, probe
	}

	resp := n.Entry.Response
	resp.Meta.Cached = true
	resp.Meta.Source = "ledger_hit"
	l.logger.Info("ledger: hit",
		"certification_id", n.Entry.CertificationID,
		"distance", n.Distance,
		"entry_tier", n.Entry.RiskTier)
	return &resp, probe
}

// Store persists a granted authorization. Refusals are never stored. A write
// is suppressed when a live entry with different response content already
// sits within the similarity threshold: the earlier adjudication stands and
// a conflicting re-adjudication does not displace it. Re-storing the same
// certification id is an idempotent upsert.
//
// Store failures are logged and swallowed; the grant has already been
// adjudicated and is returned to the caller regardless.
func (l *Ledger) Store(ctx context.Context, query string, tier model.RiskTier, resp model.Response, probe Probe) {
	if resp.Authorization != model.AuthorizationGranted || resp.CertificationID == "" {
		return
	}

	emb := probe.embedding
	if !probe.ok {
		vec, err := l.embedder.Embed(ctx, query)
		if err != nil {
			l.logger.Warn("ledger: embed for store failed, skipping write", "error", err)
			return
		}
		emb = vec.Slice()
	}
	if norm(emb) == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.index.Nearest(ctx, emb)
	if err != nil {
		l.logger.Warn("ledger: conflict check failed, skipping write", "error", err)
		return
	}
	if n != nil &&
		n.Distance <= 1-l.threshold &&
		n.Entry.ExpiresAt.After(l.now()) &&
		n.Entry.Response.ResponseContent != resp.ResponseContent {
		l.logger.Debug("ledger: write suppressed by existing near entry",
			"existing_id", n.Entry.CertificationID,
			"new_id", resp.CertificationID,
			"distance", n.Distance)
		return
	}

	issued := l.now()
	entry := Entry{
		CertificationID: resp.CertificationID,
		RiskTier:        tier,
		Response:        resp,
		IssuedAt:        issued,
		ExpiresAt:       issued.Add(l.ttl),
		Embedding:       emb,
	}
	if err := l.index.Upsert(ctx, entry); err != nil {
		l.logger.Warn("ledger: upsert failed", "error", err, "certification_id", entry.CertificationID)
		return
	}
	l.logger.Info("ledger: stored certification",
		"certification_id", entry.CertificationID,
		"risk_tier", tier,
		"expires_at", entry.ExpiresAt)
}

// Sweep removes expired entries.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	return l.index.Sweep(ctx, l.now())
}

// Healthy reports index reachability.
func (l *Ledger) Healthy(ctx context.Context) error {
	return l.index.Healthy(ctx)
}

// Close releases the underlying index.
func (l *Ledger) Close() error {
	return l.index.Close()
}

// cosineDistance computes 1 - cosine similarity. Zero-norm vectors have no
// direction, so their distance is defined as the maximal 1.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func norm(v []float32) float64 {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	return math.Sqrt(n)
}
