package state

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prooflab/gallery-archiver/internal/archive"
	"github.com/prooflab/gallery-archiver/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database, verifies the connection,
// and creates the schema if it does not exist.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logging.Component("state").Info("connected to postgres archive state store")
	return s, nil
}

// initSchema creates the order_archives table if it doesn't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Get returns the state for ref; a missing row reads as NOT_STARTED.
func (s *PostgresStore) Get(ctx context.Context, ref archive.Ref) (GenerationState, error) {
	query := `
		SELECT status, since, processed, total,
		       COALESCE(content_hash, ''), COALESCE(error_message, ''),
		       attempts, updated_at
		FROM order_archives
		WHERE gallery_id = $1 AND order_id = $2 AND kind = $3
	`

	var (
		st               GenerationState
		since            *time.Time
		processed, total *int
	)
	err := s.pool.QueryRow(ctx, query, ref.GalleryID, ref.OrderID, string(ref.Kind)).Scan(
		&st.Status, &since, &processed, &total,
		&st.ContentHash, &st.Error, &st.Attempts, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GenerationState{Status: StatusNotStarted}, nil
		}
		return GenerationState{}, fmt.Errorf("get state for %s: %w", ref, err)
	}

	if since != nil {
		st.Since = *since
	}
	if processed != nil && total != nil {
		st.Progress = NewProgress(*processed, *total)
	}
	return st, nil
}

// Set unconditionally upserts the state for ref.
func (s *PostgresStore) Set(ctx context.Context, ref archive.Ref, st GenerationState) error {
	query := `
		INSERT INTO order_archives (
			gallery_id, order_id, kind, status, since, processed, total,
			content_hash, error_message, attempts, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (gallery_id, order_id, kind)
		DO UPDATE SET
			status = EXCLUDED.status,
			since = EXCLUDED.since,
			processed = EXCLUDED.processed,
			total = EXCLUDED.total,
			content_hash = EXCLUDED.content_hash,
			error_message = EXCLUDED.error_message,
			attempts = EXCLUDED.attempts,
			updated_at = NOW()
	`

	args := stateArgs(ref, st)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("set state for %s: %w", ref, err)
	}
	return nil
}

// Transition writes st only while the stored status equals from. A
// missing row counts as NOT_STARTED, so NOT_STARTED preconditions may
// insert. Zero affected rows means the precondition lost.
func (s *PostgresStore) Transition(ctx context.Context, ref archive.Ref, from Status, to GenerationState) error {
	var query string
	args := stateArgs(ref, to)
	args = append(args, string(from))

	if from == StatusNotStarted {
		query = `
			INSERT INTO order_archives (
				gallery_id, order_id, kind, status, since, processed, total,
				content_hash, error_message, attempts, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
			ON CONFLICT (gallery_id, order_id, kind)
			DO UPDATE SET
				status = EXCLUDED.status,
				since = EXCLUDED.since,
				processed = EXCLUDED.processed,
				total = EXCLUDED.total,
				content_hash = EXCLUDED.content_hash,
				error_message = EXCLUDED.error_message,
				attempts = EXCLUDED.attempts,
				updated_at = NOW()
			WHERE order_archives.status = $11
		`
	} else {
		query = `
			UPDATE order_archives
			SET status = $4, since = $5, processed = $6, total = $7,
			    content_hash = $8, error_message = $9, attempts = $10,
			    updated_at = NOW()
			WHERE gallery_id = $1 AND order_id = $2 AND kind = $3
			  AND status = $11
		`
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition %s from %s: %w", ref, from, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transition %s from %s: %w", ref, from, ErrConflict)
	}
	return nil
}

// SetProgress updates the progress fields of a GENERATING row. A row
// that moved past GENERATING absorbs the write as a no-op.
func (s *PostgresStore) SetProgress(ctx context.Context, ref archive.Ref, processed, total int) error {
	query := `
		UPDATE order_archives
		SET processed = $4, total = $5, updated_at = NOW()
		WHERE gallery_id = $1 AND order_id = $2 AND kind = $3
		  AND status = 'GENERATING'
	`
	if _, err := s.pool.Exec(ctx, query, ref.GalleryID, ref.OrderID, string(ref.Kind), processed, total); err != nil {
		return fmt.Errorf("set progress for %s: %w", ref, err)
	}
	return nil
}

// Close releases database connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// stateArgs flattens ref and state into the positional arguments
// shared by Set and Transition ($1..$10).
func stateArgs(ref archive.Ref, st GenerationState) []any {
	var since *time.Time
	if !st.Since.IsZero() {
		since = &st.Since
	}
	var processed, total *int
	if st.Progress != nil {
		processed = &st.Progress.Processed
		total = &st.Progress.Total
	}
	var contentHash, errMsg *string
	if st.ContentHash != "" {
		contentHash = &st.ContentHash
	}
	if st.Error != "" {
		errMsg = &st.Error
	}

	return []any{
		ref.GalleryID, ref.OrderID, string(ref.Kind),
		string(st.Status), since, processed, total,
		contentHash, errMsg, st.Attempts,
	}
}
