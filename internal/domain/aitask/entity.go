// Package aitask is the durable work queue (C7) the Worker Loop drains.
// A task is a unit of enrichment work for one image, keyed separately from
// the image's own id so that an image can be re-enqueued (reanalyze)
// without reusing a stale task row.
package aitask

import "time"

// Status is the lifecycle state of a task. SUCCEEDED and FAILED are
// terminal and are never transitioned back except by an explicit operator
// retry, which moves FAILED back to PENDING with attempts reset.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

// Task is one row of the ai_tasks table.
type Task struct {
	ID          string    `db:"id"`
	EmojiID     string    `db:"emoji_id"`
	ImagePath   string    `db:"image_path"`
	ImageHash   string    `db:"image_hash"`
	Status      Status    `db:"status"`
	Attempts    int       `db:"attempts"`
	LastError   string    `db:"last_error"`
	NextRetryAt time.Time `db:"next_retry_at"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Stats summarizes the queue's current state by status, what task-stats
// reports to an operator.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
}

// Control is the single shared worker_control row. It lets set-paused and
// set-runtime-config, issued over HTTP against one process, take effect in
// whichever process is actually running the poll loop: the loop re-reads
// this row on every tick instead of trusting in-memory state alone.
type Control struct {
	Paused bool `db:"paused"`
	// Concurrency <= 0 means "no override, use the loop's own default".
	Concurrency int `db:"concurrency"`
	// BatchDelayMs < 0 means "no override".
	BatchDelayMs int `db:"batch_delay_ms"`
}
