package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"docflow/types"
)

// PostgresStore keeps checkpoints as JSONB rows and summary vectors in a
// pgvector column.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(ctx context.Context, connStr string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// ConnectPostgres retries NewPostgresStore with exponential backoff until
// maxElapsed passes, for databases that start alongside the service.
func ConnectPostgres(ctx context.Context, connStr string, maxElapsed time.Duration, logger *slog.Logger) (*PostgresStore, error) {
	var s *PostgresStore

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = time.Second

	operation := func() error {
		var err error
		s, err = NewPostgresStore(ctx, connStr, logger)
		if err != nil {
			logger.Warn("postgres not ready", "error", err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres after retries: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) Save(ctx context.Context, cp *types.ProcessingCheckpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}

	query := `INSERT INTO checkpoints (id, document_id, document_name, status, completed, total_chunks, updated_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			document_name = EXCLUDED.document_name,
			status = EXCLUDED.status,
			completed = EXCLUDED.completed,
			total_chunks = EXCLUDED.total_chunks,
			updated_at = EXCLUDED.updated_at,
			data = EXCLUDED.data
			`
	_, err = p.pool.Exec(
		ctx,
		query,
		cp.ID,
		cp.DocumentID,
		cp.DocumentName,
		string(cp.Status),
		len(cp.CompletedChunkIDs),
		cp.Stats.TotalChunks,
		cp.UpdatedAt,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context, id uuid.UUID) (*types.ProcessingCheckpoint, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, "SELECT data FROM checkpoints WHERE id = $1", id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (p *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, "DELETE FROM checkpoints WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, document_id, document_name, status, completed, total_chunks, updated_at
		FROM checkpoints
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var (
			s      Summary
			status string
		)
		if err := rows.Scan(&s.ID, &s.DocumentID, &s.DocumentName, &status, &s.Completed, &s.TotalChunks, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Status = types.Status(status)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Add(ctx context.Context, key string, seq int, vec []float32) error {
	if len(vec) == 0 {
		return errors.New("empty vector")
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO summary_vectors (key, seq, embedding) VALUES ($1, $2, $3)
		ON CONFLICT (key, seq) DO UPDATE SET embedding = EXCLUDED.embedding`,
		key, seq, pgvector.NewVector(vec),
	)
	return err
}

func (p *PostgresStore) Nearest(ctx context.Context, key string, vec []float32) (int, float64, error) {
	if len(vec) == 0 {
		return -1, 0, errors.New("empty vector")
	}
	query := `
		SELECT seq, 1-(embedding <=> $2) AS similarity
		FROM summary_vectors
		WHERE key = $1
		ORDER BY embedding <=> $2
		LIMIT 1
	`
	var (
		seq int
		sim float64
	)
	err := p.pool.QueryRow(ctx, query, key, pgvector.NewVector(vec)).Scan(&seq, &sim)
	if errors.Is(err, pgx.ErrNoRows) {
		return -1, 0, nil
	}
	if err != nil {
		return -1, 0, err
	}
	p.logger.Debug("nearest summary vector", "key", key, "seq", seq, "similarity", sim)
	return seq, sim, nil
}

func (p *PostgresStore) Reset(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, "DELETE FROM summary_vectors WHERE key = $1", key)
	return err
}

func (p *PostgresStore) createTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id UUID PRIMARY KEY,
		document_id TEXT NOT NULL,
		document_name TEXT,
		status TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		total_chunks INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP WITH TIME ZONE,
		data JSONB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_document_id ON checkpoints(document_id);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_updated_at ON checkpoints(updated_at);

	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS summary_vectors (
		key TEXT NOT NULL,
		seq INTEGER NOT NULL,
		embedding vector NOT NULL,
		PRIMARY KEY (key, seq)
	);
	`
	_, err := p.pool.Exec(ctx, query)
	return err
}

func (p *PostgresStore) Init(ctx context.Context) error {
	return p.createTables(ctx)
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
		p.logger.Info("postgres connection pool is closed")
	}
	return nil
}
