// Package pgvector implements vector.VectorStore on PostgreSQL with the
// pgvector extension. Cosine distance queries run in the database; local
// scoring of seed vectors stays in vector.Cosine.
package pgvector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"
	pgv "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/ucrsph/incident-engine/internal/types"
	"github.com/ucrsph/incident-engine/internal/vector"
)

// defaultCallTimeout caps each data call so a slow index scan cannot eat
// the whole per-job budget.
const defaultCallTimeout = 3 * time.Second

// Client is the pgvector-backed vector store. The index dimension is fixed
// at construction; vectors of any other length are rejected on upsert.
type Client struct {
	db          *sqlx.DB
	dim         int
	callTimeout time.Duration
	logger      *zap.Logger
}

var _ vector.VectorStore = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithCallTimeout overrides the per-call deadline. Zero or negative
// disables it; the caller's context still applies.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// Open connects to Postgres and verifies connectivity.
func Open(ctx context.Context, dsn string, dim int, logger *zap.Logger, opts ...Option) (*Client, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open pgvector store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping pgvector store: %w", err)
	}
	return NewClient(db, dim, logger, opts...)
}

// NewClient wraps an existing connection pool. Used by tests with sqlmock.
func NewClient(db *sqlx.DB, dim int, logger *zap.Logger, opts ...Option) (*Client, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", dim)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{db: db, dim: dim, callTimeout: defaultCallTimeout, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// callCtx derives the per-call deadline. Migrate is exempt: DDL may
// legitimately run longer.
func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// Migrate creates the pgvector extension, the complaint_vectors table with
// the configured dimension, and its indexes.
func (c *Client) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS complaint_vectors (
			complaint_id BIGINT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			barangay_id BIGINT NOT NULL,
			category_id BIGINT NOT NULL,
			incident_id BIGINT NOT NULL DEFAULT -1,
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			created_at_unix DOUBLE PRECISION NOT NULL
		)`, c.dim),
		`CREATE INDEX IF NOT EXISTS idx_complaint_vectors_partition
			ON complaint_vectors (barangay_id, category_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_complaint_vectors_incident
			ON complaint_vectors (incident_id)`,
		`CREATE INDEX IF NOT EXISTS idx_complaint_vectors_embedding
			ON complaint_vectors USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply vector schema: %w", err)
		}
	}
	return nil
}

// Upsert stores or replaces a complaint vector and its metadata.
func (c *Client) Upsert(ctx context.Context, complaintID int64, vec []float32, meta types.VectorMetadata) error {
	if len(vec) != c.dim {
		return fmt.Errorf("vector dimension mismatch: want %d, got %d", c.dim, len(vec))
	}
	const query = `
		INSERT INTO complaint_vectors
			(complaint_id, embedding, barangay_id, category_id, incident_id, status, created_at_unix)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (complaint_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			barangay_id = EXCLUDED.barangay_id,
			category_id = EXCLUDED.category_id,
			incident_id = EXCLUDED.incident_id,
			status = EXCLUDED.status,
			created_at_unix = EXCLUDED.created_at_unix`
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	_, err := c.db.ExecContext(ctx, query,
		complaintID, pgv.NewVector(vec), meta.BarangayID, meta.CategoryID,
		meta.IncidentID, string(meta.Status), meta.CreatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("upsert vector for complaint %d: %w", complaintID, err)
	}
	return nil
}

type matchRow struct {
	ComplaintID   int64      `db:"complaint_id"`
	Score         float64    `db:"score"`
	BarangayID    int64      `db:"barangay_id"`
	CategoryID    int64      `db:"category_id"`
	IncidentID    int64      `db:"incident_id"`
	Status        string     `db:"status"`
	CreatedAtUnix float64    `db:"created_at_unix"`
	Embedding     pgv.Vector `db:"embedding"`
}

// QuerySimilar runs a filtered cosine ANN query. Score is 1 - cosine
// distance; on unit vectors that equals the dot product.
func (c *Client) QuerySimilar(ctx context.Context, query []float32, barangayID, categoryID int64, sinceUnix float64, topK int) ([]vector.Match, error) {
	if len(query) != c.dim {
		return nil, fmt.Errorf("vector dimension mismatch: want %d, got %d", c.dim, len(query))
	}
	if topK <= 0 {
		topK = 1
	}
	const q = `
		SELECT complaint_id, 1 - (embedding <=> $1) AS score,
			barangay_id, category_id, incident_id, status, created_at_unix
		FROM complaint_vectors
		WHERE barangay_id = $2 AND category_id = $3 AND status = $4
			AND created_at_unix >= $5
		ORDER BY score DESC, created_at_unix DESC, complaint_id DESC
		LIMIT $6`
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	var rows []matchRow
	err := c.db.SelectContext(ctx, &rows, q,
		pgv.NewVector(query), barangayID, categoryID, string(types.IncidentActive), sinceUnix, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("query similar vectors: %w", err)
	}
	matches := make([]vector.Match, len(rows))
	for i, r := range rows {
		matches[i] = vector.Match{
			ComplaintID: r.ComplaintID,
			Score:       r.Score,
			Meta: types.VectorMetadata{
				ComplaintID:   r.ComplaintID,
				BarangayID:    r.BarangayID,
				CategoryID:    r.CategoryID,
				IncidentID:    r.IncidentID,
				Status:        types.IncidentStatus(r.Status),
				CreatedAtUnix: r.CreatedAtUnix,
			},
		}
	}
	return matches, nil
}

// FetchIncidentVector returns the seed complaint vector of an incident: the
// earliest created_at_unix, smallest complaint id on ties. Nil when the
// incident has no vectors.
func (c *Client) FetchIncidentVector(ctx context.Context, incidentID int64) ([]float32, error) {
	const query = `
		SELECT embedding
		FROM complaint_vectors
		WHERE incident_id = $1
		ORDER BY created_at_unix ASC, complaint_id ASC
		LIMIT 1`
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	var emb pgv.Vector
	if err := c.db.GetContext(ctx, &emb, query, incidentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch seed vector for incident %d: %w", incidentID, err)
	}
	return emb.Slice(), nil
}

// BatchFetchIncidentVectors fetches seed vectors for several incidents in
// one round trip. Best effort: incidents without vectors are absent from
// the result.
func (c *Client) BatchFetchIncidentVectors(ctx context.Context, incidentIDs []int64) (map[int64][]float32, error) {
	if len(incidentIDs) == 0 {
		return map[int64][]float32{}, nil
	}
	query, args, err := sqlx.In(`
		SELECT DISTINCT ON (incident_id) incident_id, embedding
		FROM complaint_vectors
		WHERE incident_id IN (?)
		ORDER BY incident_id, created_at_unix ASC, complaint_id ASC`, incidentIDs)
	if err != nil {
		return nil, fmt.Errorf("build batch seed query: %w", err)
	}
	query = c.db.Rebind(query)

	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	var rows []struct {
		IncidentID int64      `db:"incident_id"`
		Embedding  pgv.Vector `db:"embedding"`
	}
	if err := c.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("batch fetch seed vectors: %w", err)
	}
	out := make(map[int64][]float32, len(rows))
	for _, r := range rows {
		out[r.IncidentID] = r.Embedding.Slice()
	}
	return out, nil
}

// UpdateMetadata applies a partial metadata update to one vector.
func (c *Client) UpdateMetadata(ctx context.Context, complaintID int64, update vector.MetadataUpdate) error {
	if update.IncidentID == nil && update.Status == nil {
		return nil
	}
	query := `UPDATE complaint_vectors SET `
	args := []interface{}{}
	if update.IncidentID != nil {
		args = append(args, *update.IncidentID)
		query += fmt.Sprintf("incident_id = $%d", len(args))
	}
	if update.Status != nil {
		if len(args) > 0 {
			query += ", "
		}
		args = append(args, string(*update.Status))
		query += fmt.Sprintf("status = $%d", len(args))
	}
	args = append(args, complaintID)
	query += fmt.Sprintf(" WHERE complaint_id = $%d", len(args))

	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update vector metadata for complaint %d: %w", complaintID, err)
	}
	return nil
}

// UpdateStatusByIncident stamps every vector linked to the incident with the
// given status. The sweep calls this after relational expiry commits.
func (c *Client) UpdateStatusByIncident(ctx context.Context, incidentID int64, status types.IncidentStatus) error {
	const query = `UPDATE complaint_vectors SET status = $1 WHERE incident_id = $2`
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	res, err := c.db.ExecContext(ctx, query, string(status), incidentID)
	if err != nil {
		return fmt.Errorf("update vector status for incident %d: %w", incidentID, err)
	}
	if n, err := res.RowsAffected(); err == nil {
		c.logger.Debug("propagated incident status to vectors",
			zap.Int64("incident_id", incidentID),
			zap.String("status", string(status)),
			zap.Int64("vectors", n),
		)
	}
	return nil
}
