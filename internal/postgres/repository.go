package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
	"github.com/0D1nn8502/ReadThatPDF/internal/postgres/migrations"
)

// BatchRepository is the audit trail of executed delivery batches.
type BatchRepository interface {
	// Record stores exec. Recording the same task twice keeps the first row.
	Record(ctx context.Context, exec *domain.BatchExecution) error
	// ListByUser returns the newest executions of userID first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.BatchExecution, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the BatchRepository interface.
func NewRepository(pool *pgxpool.Pool) BatchRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every embedded migration in order and returns the file
// names applied. The migrations are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	files, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return nil, fmt.Errorf("execute migration %s: %w", f, err)
		}
	}
	return files, nil
}

func (r *repository) Record(ctx context.Context, exec *domain.BatchExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO delivery_batches
			(id, task_id, user_id, kind, worker_id, start_index, chunk_count,
			 insight_failures, delivered, delivery_attempts, duration_ms, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (task_id) DO NOTHING
	`,
		exec.ID, exec.TaskID, exec.UserID, string(exec.Kind), exec.WorkerID,
		exec.StartIndex, exec.ChunkCount, exec.InsightFailures, exec.Delivered,
		exec.DeliveryAttempts, exec.DurationMs, exec.Error, exec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record batch for task %s: %w", exec.TaskID, err)
	}
	return nil
}

func (r *repository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.BatchExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, task_id, user_id, kind, worker_id, start_index, chunk_count,
		       insight_failures, delivered, delivery_attempts, duration_ms, error, executed_at
		FROM delivery_batches
		WHERE user_id = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list batches for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*domain.BatchExecution
	for rows.Next() {
		exec, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// scanBatch reads a batch row from any pgx row type.
func scanBatch(row interface {
	Scan(...any) error
}) (*domain.BatchExecution, error) {
	var exec domain.BatchExecution
	var kind string
	err := row.Scan(
		&exec.ID, &exec.TaskID, &exec.UserID, &kind, &exec.WorkerID,
		&exec.StartIndex, &exec.ChunkCount, &exec.InsightFailures, &exec.Delivered,
		&exec.DeliveryAttempts, &exec.DurationMs, &exec.Error, &exec.ExecutedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	exec.Kind = domain.TaskKind(kind)
	return &exec, nil
}

// Discard is a BatchRepository that keeps nothing, used when no audit
// database is configured.
type Discard struct{}

func (Discard) Record(context.Context, *domain.BatchExecution) error { return nil }

func (Discard) ListByUser(context.Context, string, int) ([]*domain.BatchExecution, error) {
	return nil, nil
}
