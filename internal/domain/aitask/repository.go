package aitask

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Queue is the typed data-access interface over the ai_tasks table. Claim
// is intentionally split into ListEligible (the over-fetch query of step 5
// in the worker's poll loop) and TryClaim (the single-row conditional
// update of the claim protocol, §5) so the worker controls dispatch pacing
// between claims.
type Queue interface {
	// Enqueue inserts a PENDING task for emojiID, unless a non-terminal
	// task for it already exists (ErrAlreadyEnqueued).
	Enqueue(ctx context.Context, emojiID, imagePath, imageHash string) (*Task, error)

	// ListEligible returns up to limit PENDING rows with next_retry_at in
	// the past, ordered by created_at ascending.
	ListEligible(ctx context.Context, limit int) ([]Task, error)

	// TryClaim atomically transitions one row from PENDING to PROCESSING.
	// Returns (task, true, nil) on a successful claim, (nil, false, nil) if
	// another worker won the race or the row is no longer PENDING.
	TryClaim(ctx context.Context, id string) (*Task, bool, error)

	// CompleteSuccess marks a PROCESSING task SUCCEEDED.
	CompleteSuccess(ctx context.Context, id string) error

	// CompleteFail records a failed attempt. If attempts reaches
	// maxAttempts the task becomes terminal FAILED; otherwise it goes back
	// to PENDING with an exponential backoff next_retry_at.
	CompleteFail(ctx context.Context, id, errMsg string, maxAttempts int, backoffBase time.Duration) error

	// ResetStuck flips every PROCESSING row back to PENDING. Called
	// exactly once at worker startup (P6).
	ResetStuck(ctx context.Context) (int64, error)

	// RetryFailed moves every FAILED row back to PENDING with attempts
	// reset to 0 and next_retry_at cleared. Returns the row count affected.
	RetryFailed(ctx context.Context) (int64, error)

	// Stats summarizes the queue by status.
	Stats(ctx context.Context) (Stats, error)

	// ListFailedEmojiIDs returns the emoji_id of every FAILED task.
	ListFailedEmojiIDs(ctx context.Context) ([]string, error)

	// GetControl reads the shared worker_control row. The poll loop calls
	// this once per tick so set-paused/set-runtime-config take effect
	// regardless of which process received the admin request.
	GetControl(ctx context.Context) (Control, error)

	// SetPaused updates the shared worker_control row's paused flag.
	SetPaused(ctx context.Context, paused bool) error

	// SetRuntimeConfig updates the shared worker_control row's concurrency
	// and batch-delay overrides. concurrency <= 0 and batchDelayMs < 0
	// clear the corresponding override.
	SetRuntimeConfig(ctx context.Context, concurrency, batchDelayMs int) error
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates an aitask repository.
func NewRepository(db *sqlx.DB) Queue {
	return &repository{db: db}
}

const selectCols = `id, emoji_id, image_path, image_hash, status, attempts, last_error, next_retry_at, created_at, updated_at`

func (r *repository) Enqueue(ctx context.Context, emojiID, imagePath, imageHash string) (*Task, error) {
	var existing int
	err := r.db.GetContext(ctx, &existing, `
		SELECT COUNT(*) FROM ai_tasks
		WHERE emoji_id = $1 AND status IN ('PENDING', 'PROCESSING')
	`, emojiID)
	if err != nil {
		return nil, fmt.Errorf("check existing task: %w", err)
	}
	if existing > 0 {
		return nil, ErrAlreadyEnqueued
	}

	task := &Task{
		ID:        uuid.New().String(),
		EmojiID:   emojiID,
		ImagePath: imagePath,
		ImageHash: imageHash,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO ai_tasks (id, emoji_id, image_path, image_hash, status, attempts, last_error, next_retry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, '', $6, $7, $8)
	`, task.ID, task.EmojiID, task.ImagePath, task.ImageHash, task.Status, task.CreatedAt, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

func (r *repository) ListEligible(ctx context.Context, limit int) ([]Task, error) {
	query := `SELECT ` + selectCols + `
		FROM ai_tasks
		WHERE status = $1 AND next_retry_at <= NOW()
		ORDER BY created_at ASC
		LIMIT $2`
	var tasks []Task
	if err := r.db.SelectContext(ctx, &tasks, query, StatusPending, limit); err != nil {
		return nil, err
	}
	return tasks, nil
}

// TryClaim is the conditional update at the heart of I2: the row changes
// iff the current status is still PENDING, so at most one concurrent
// caller observes RowsAffected() == 1.
func (r *repository) TryClaim(ctx context.Context, id string) (*Task, bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ai_tasks
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, StatusProcessing, id, StatusPending)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected == 0 {
		return nil, false, nil
	}

	var task Task
	query := `SELECT ` + selectCols + ` FROM ai_tasks WHERE id = $1`
	if err := r.db.GetContext(ctx, &task, query, id); err != nil {
		return nil, false, err
	}
	return &task, true, nil
}

func (r *repository) CompleteSuccess(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ai_tasks
		SET status = $1, last_error = '', updated_at = NOW()
		WHERE id = $2
	`, StatusSucceeded, id)
	return err
}

func (r *repository) CompleteFail(ctx context.Context, id, errMsg string, maxAttempts int, backoffBase time.Duration) error {
	var task Task
	query := `SELECT ` + selectCols + ` FROM ai_tasks WHERE id = $1`
	if err := r.db.GetContext(ctx, &task, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}

	attempts := task.Attempts + 1
	if attempts >= maxAttempts {
		_, err := r.db.ExecContext(ctx, `
			UPDATE ai_tasks
			SET status = $1, attempts = $2, last_error = $3, updated_at = NOW()
			WHERE id = $4
		`, StatusFailed, attempts, errMsg, id)
		return err
	}

	delay := time.Duration(float64(backoffBase) * math.Pow(2, float64(attempts-1)))
	nextRetryAt := time.Now().Add(delay)
	_, err := r.db.ExecContext(ctx, `
		UPDATE ai_tasks
		SET status = $1, attempts = $2, last_error = $3, next_retry_at = $4, updated_at = NOW()
		WHERE id = $5
	`, StatusPending, attempts, errMsg, nextRetryAt, id)
	return err
}

func (r *repository) ResetStuck(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ai_tasks
		SET status = $1, updated_at = NOW()
		WHERE status = $2
	`, StatusPending, StatusProcessing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *repository) RetryFailed(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ai_tasks
		SET status = $1, attempts = 0, next_retry_at = $2, updated_at = NOW()
		WHERE status = $3
	`, StatusPending, time.Unix(0, 0), StatusFailed)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *repository) Stats(ctx context.Context) (Stats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM ai_tasks GROUP BY status
	`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusProcessing:
			stats.Processing = count
		case StatusSucceeded:
			stats.Succeeded = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

func (r *repository) ListFailedEmojiIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT emoji_id FROM ai_tasks WHERE status = $1
	`, StatusFailed)
	return ids, err
}

func (r *repository) GetControl(ctx context.Context) (Control, error) {
	var c Control
	err := r.db.GetContext(ctx, &c, `
		SELECT paused, concurrency, batch_delay_ms FROM worker_control WHERE id = 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return Control{BatchDelayMs: -1}, nil
	}
	return c, err
}

func (r *repository) SetPaused(ctx context.Context, paused bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO worker_control (id, paused, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET paused = EXCLUDED.paused, updated_at = NOW()
	`, paused)
	return err
}

func (r *repository) SetRuntimeConfig(ctx context.Context, concurrency, batchDelayMs int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO worker_control (id, concurrency, batch_delay_ms, updated_at) VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET concurrency = EXCLUDED.concurrency, batch_delay_ms = EXCLUDED.batch_delay_ms, updated_at = NOW()
	`, concurrency, batchDelayMs)
	return err
}
