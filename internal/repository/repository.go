package repository

import (
	"context"
	"errors"

	"github.com/kevinledev/logwatcher/internal/domain"
)

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// AggregateRepository persists flushed window aggregates.
type AggregateRepository interface {
	InsertAggregates(ctx context.Context, aggregates []domain.RequestAggregate) error
	ListAggregates(ctx context.Context, windowSeconds, limit int) ([]domain.RequestAggregate, error)
	LatestAggregate(ctx context.Context, windowSeconds int) (*domain.RequestAggregate, error)
}
