package catalog

import "errors"

var (
	// ErrDuplicate is returned by ingest when image_hash already exists.
	ErrDuplicate = errors.New("catalog: an image with identical content already exists")

	// ErrInvalidFormat is returned when the input's magic bytes do not
	// match png/jpeg/gif/webp.
	ErrInvalidFormat = errors.New("catalog: unrecognized image format")

	// ErrImageNotFound is returned when an id or name lookup misses.
	ErrImageNotFound = errors.New("catalog: image not found")

	// ErrCategoryNotFound is returned when a category id lookup misses.
	ErrCategoryNotFound = errors.New("catalog: category not found")

	// ErrImageTypeRejected is returned by ingest when the pre-ingest type
	// filter is enabled and the model reports the image does not match
	// any configured acceptedImageTypes.
	ErrImageTypeRejected = errors.New("catalog: image does not match an accepted type")
)

// DuplicateError carries the name of the existing image that collided
// with an ingest attempt, so the HTTP layer can echo it per spec (409
// body includes the existing image's name).
type DuplicateError struct {
	ExistingName string
}

func (e *DuplicateError) Error() string {
	return "catalog: duplicate of existing image " + e.ExistingName
}

func (e *DuplicateError) Unwrap() error {
	return ErrDuplicate
}
