// Package catalog is the image lifecycle (C5): ingest, metadata updates,
// deletion, listing, and search. It owns the only code path that creates
// or removes files in the Blob Store.
package catalog

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// Image is one row of the images table.
type Image struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Category  string    `db:"category"`
	Tags      TagSet    `db:"tags"`
	Path      string    `db:"path"`
	Size      int64     `db:"size"`
	MimeType  string    `db:"mime_type"`
	ImageHash string    `db:"image_hash"`
	CreatedAt time.Time `db:"created_at"`
}

// Category groups images under a shared label.
type Category struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	EmojiCount  int       `db:"emoji_count"`
	CreatedAt   time.Time `db:"created_at"`
}

// TagSet is an ordered, insignificant-order set of strings stored as a
// Postgres text[] column.
type TagSet []string

// Value implements driver.Valuer so sqlx/lib/pq can serialize TagSet into
// a text[] literal.
func (t TagSet) Value() (driver.Value, error) {
	if len(t) == 0 {
		return "{}", nil
	}
	escaped := make([]string, len(t))
	for i, tag := range t {
		escaped[i] = `"` + strings.ReplaceAll(tag, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(escaped, ",") + "}", nil
}

// Scan implements sql.Scanner, parsing a Postgres text[] literal such as
// {tag1,tag2} back into a TagSet.
func (t *TagSet) Scan(src interface{}) error {
	if src == nil {
		*t = TagSet{}
		return nil
	}
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("unexpected type for tags: %T", src)
	}
	*t = parsePgTextArray(raw)
	return nil
}

func parsePgTextArray(raw string) TagSet {
	raw = strings.TrimPrefix(raw, "{")
	raw = strings.TrimSuffix(raw, "}")
	if raw == "" {
		return TagSet{}
	}
	parts := strings.Split(raw, ",")
	tags := make(TagSet, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, `"`)
		p = strings.ReplaceAll(p, `\"`, `"`)
		if p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// distinctPreserveOrder returns the union of a and b, deduplicated, with
// elements of a appearing first in their original order, then any new
// elements of b in their original order. This is the Tags half of the
// merge rule (L4: deterministic given the same inputs).
func distinctPreserveOrder(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, tag := range a {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	for _, tag := range b {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
