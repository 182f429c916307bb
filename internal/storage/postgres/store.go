// Package postgres implements storage.IncidentStore on PostgreSQL via sqlx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ucrsph/incident-engine/internal/storage"
	"github.com/ucrsph/incident-engine/internal/types"
)

const pgUniqueViolation = "23505"

// Store is the PostgreSQL-backed incident store. Safe for concurrent use;
// the underlying *sqlx.DB pools connections.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ storage.IncidentStore = (*Store)(nil)

// Open connects to Postgres and verifies connectivity.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewStore(db, logger), nil
}

// NewStore wraps an existing connection pool. Used by tests with sqlmock.
func NewStore(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Merge runs fn in a transaction, committing on nil and rolling back on
// error or panic.
func (s *Store) Merge(ctx context.Context, fn func(tx storage.MergeTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&mergeTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("merge tx rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge tx: %w", err)
	}
	return nil
}

// mergeTx adapts a sqlx transaction to the storage.MergeTx capability.
type mergeTx struct {
	tx *sqlx.Tx
}

var _ storage.MergeTx = (*mergeTx)(nil)

func (m *mergeTx) GetIncidentForUpdate(ctx context.Context, id int64) (*types.Incident, error) {
	return getIncident(ctx, m.tx, id, true)
}

func (m *mergeTx) CreateIncident(ctx context.Context, incident *types.Incident) error {
	return createIncident(ctx, m.tx, incident)
}

func (m *mergeTx) UpdateIncident(ctx context.Context, incident *types.Incident) error {
	return updateIncident(ctx, m.tx, incident)
}

func (m *mergeTx) LinkComplaint(ctx context.Context, incidentID, complaintID int64, similarity float64, linkedAt time.Time) (*types.Membership, error) {
	return linkComplaint(ctx, m.tx, incidentID, complaintID, similarity, linkedAt)
}

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
