package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kevinledev/logwatcher/internal/domain"
	"github.com/kevinledev/logwatcher/internal/repository"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.AggregateRepository = (*Repository)(nil)

const aggregateColumns = `id, window_seconds, recorded_at, method, source, status_code, is_error, message, avg_duration_ms, samples, created_at`

// InsertAggregates stores a batch of aggregates in one round trip.
func (r *Repository) InsertAggregates(ctx context.Context, aggregates []domain.RequestAggregate) error {
	if len(aggregates) == 0 {
		return nil
	}
	const query = `INSERT INTO request_aggregates (window_seconds, recorded_at, method, source, status_code, is_error, message, avg_duration_ms, samples)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	batch := &pgx.Batch{}
	for _, agg := range aggregates {
		batch.Queue(query, agg.WindowSeconds, agg.RecordedAt, agg.Method, agg.Source, agg.Status, agg.IsError, agg.Message, agg.AvgDurationMS, agg.Samples)
	}
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := range aggregates {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert aggregate %d: %w", i, err)
		}
	}
	return nil
}

// ListAggregates returns the newest aggregates for a window, most recent first.
func (r *Repository) ListAggregates(ctx context.Context, windowSeconds, limit int) ([]domain.RequestAggregate, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := `SELECT ` + aggregateColumns + ` FROM request_aggregates
		WHERE window_seconds = $1 ORDER BY recorded_at DESC, id DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, windowSeconds, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RequestAggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

// LatestAggregate returns the most recent aggregate for a window.
func (r *Repository) LatestAggregate(ctx context.Context, windowSeconds int) (*domain.RequestAggregate, error) {
	query := `SELECT ` + aggregateColumns + ` FROM request_aggregates
		WHERE window_seconds = $1 ORDER BY recorded_at DESC, id DESC LIMIT 1`
	agg, err := scanAggregate(r.pool.QueryRow(ctx, query, windowSeconds))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &agg, nil
}

func scanAggregate(row pgx.Row) (domain.RequestAggregate, error) {
	var agg domain.RequestAggregate
	err := row.Scan(&agg.ID, &agg.WindowSeconds, &agg.RecordedAt, &agg.Method, &agg.Source, &agg.Status,
		&agg.IsError, &agg.Message, &agg.AvgDurationMS, &agg.Samples, &agg.CreatedAt)
	return agg, err
}
