package aicache

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// Repository is the typed data-access interface over the ai_results table.
type Repository interface {
	// Get returns the cached result for hash, or nil if none exists.
	Get(ctx context.Context, hash string) (*Result, error)

	// Put idempotently stores result for hash. A second Put for the same
	// hash is a no-op — rows in this table are never mutated.
	Put(ctx context.Context, hash, resultJSON string) error
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates an aicache repository.
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Get(ctx context.Context, hash string) (*Result, error) {
	var res Result
	query := `SELECT hash, result_json, created_at FROM ai_results WHERE hash = $1`
	if err := r.db.GetContext(ctx, &res, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

func (r *repository) Put(ctx context.Context, hash, resultJSON string) error {
	query := `
		INSERT INTO ai_results (hash, result_json, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (hash) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, hash, resultJSON)
	return err
}
