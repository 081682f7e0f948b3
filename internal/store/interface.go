package store

import (
	"context"
	"time"

	"marketcache/internal/store/model"
)

// UnitOfWork defines a transaction scope.
type UnitOfWork interface {
	// Commit commits the transaction.
	Commit() error
	// Rollback rolls back the transaction.
	Rollback() error

	// Actions returns the corporate-action repository within this transaction.
	Actions() ActionRepository
}

// Store is the entry point for database access.
type Store interface {
	// Begin starts a new UnitOfWork (transaction).
	Begin(ctx context.Context) (UnitOfWork, error)
	// Close closes the store connection.
	Close() error
}

// ActionRepository handles corporate-action persistence. The log is append-only.
type ActionRepository interface {
	Insert(ctx context.Context, action *model.CorporateActionModel) error
	// ListBySymbol returns actions ordered by effective date; nil bounds are open.
	ListBySymbol(ctx context.Context, symbol string, from, to *time.Time) ([]model.CorporateActionModel, error)
	Count(ctx context.Context) (int64, error)
}
