// Package aicache is the content-hash keyed cache of AI enrichment results
// (C6 in the catalog pipeline). A row, once written, is never mutated —
// only replaced by an identical upsert or left alone.
package aicache

import "time"

// Result is a cached AI enrichment output, keyed by the SHA-256 hash of the
// image bytes it was produced from.
type Result struct {
	Hash       string    `db:"hash"`
	ResultJSON string    `db:"result_json"`
	CreatedAt  time.Time `db:"created_at"`
}

// Fields is the decoded shape of ResultJSON, what the vision client
// actually returns and what the merge rule consumes.
type Fields struct {
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	Description string   `json:"description"`
	NewCategory string   `json:"newCategory,omitempty"`
}
