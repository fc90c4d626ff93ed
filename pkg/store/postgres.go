package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// PostgresStore keeps the ledger in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to databaseURL and creates the ledger table
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info("Issuance ledger connected to PostgreSQL")
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS credential_issuances (
		request_id VARCHAR(128) PRIMARY KEY,
		student_address VARCHAR(42) NOT NULL,
		file_name TEXT,
		content_digest TEXT,
		content_reference TEXT,
		tx_hash VARCHAR(66),
		token_id TEXT,
		outcome VARCHAR(20) NOT NULL,
		failure_reason TEXT,
		operator TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	ALTER TABLE credential_issuances ADD COLUMN IF NOT EXISTS content_digest TEXT;
	ALTER TABLE credential_issuances ALTER COLUMN operator TYPE TEXT;

	CREATE INDEX IF NOT EXISTS idx_credential_issuances_updated ON credential_issuances(updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_credential_issuances_student ON credential_issuances(student_address);
	`

	_, err := s.db.ExecContext(ctx, query)
	return err
}

const selectColumns = `request_id, student_address, file_name, content_digest, content_reference, tx_hash, token_id,
	outcome, failure_reason, operator, attempts, created_at, updated_at`

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, requestID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM credential_issuances WHERE request_id = $1`, requestID)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load issuance %s: %w", requestID, err)
	}
	return r, nil
}

// Save implements Store
func (s *PostgresStore) Save(ctx context.Context, r *Record) error {
	touch(r)

	query := `
		INSERT INTO credential_issuances (request_id, student_address, file_name, content_digest, content_reference,
			tx_hash, token_id, outcome, failure_reason, operator, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (request_id) DO UPDATE SET
			student_address = EXCLUDED.student_address,
			file_name = EXCLUDED.file_name,
			content_digest = EXCLUDED.content_digest,
			content_reference = EXCLUDED.content_reference,
			tx_hash = EXCLUDED.tx_hash,
			token_id = EXCLUDED.token_id,
			outcome = EXCLUDED.outcome,
			failure_reason = EXCLUDED.failure_reason,
			operator = EXCLUDED.operator,
			attempts = EXCLUDED.attempts,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		r.RequestID,
		r.StudentAddress,
		r.FileName,
		r.ContentDigest,
		r.ContentReference,
		r.TxHash,
		r.TokenID,
		string(r.Outcome),
		r.FailureReason,
		r.Operator,
		r.Attempts,
		r.CreatedAt,
		r.UpdatedAt,
	).Scan(&r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save issuance %s: %w", r.RequestID, err)
	}
	return nil
}

// List implements Store
func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM credential_issuances ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list issuances: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r        Record
		outcome  string
		fileName sql.NullString
		digest   sql.NullString
		content  sql.NullString
		txHash   sql.NullString
		tokenID  sql.NullString
		reason   sql.NullString
		operator sql.NullString
	)
	err := row.Scan(
		&r.RequestID,
		&r.StudentAddress,
		&fileName,
		&digest,
		&content,
		&txHash,
		&tokenID,
		&outcome,
		&reason,
		&operator,
		&r.Attempts,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Outcome = Outcome(outcome)
	r.FileName = fileName.String
	r.ContentDigest = digest.String
	r.ContentReference = content.String
	r.TxHash = txHash.String
	r.TokenID = tokenID.String
	r.FailureReason = reason.String
	r.Operator = operator.String
	return &r, nil
}

// New opens the Postgres ledger when databaseURL is set, otherwise an in-memory one
func New(ctx context.Context, databaseURL string) (Store, error) {
	if databaseURL == "" {
		log.Warn("DATABASE_URL not set, issuance ledger is in-memory")
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
