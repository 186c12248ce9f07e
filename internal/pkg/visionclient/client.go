// Package visionclient is the opaque AI capability (C4) the Worker Loop
// and the synchronous analyze-image path call through. Neither caller
// imports a concrete model SDK directly — both depend on the Client
// interface defined here.
package visionclient

import (
	"context"
	"errors"

	"github.com/mwork/mwork-api/internal/domain/aicache"
)

// ErrNoResult is returned when the model produced no usable output at all
// (no frames to send, an empty response, or output that fails the entire
// extraction cascade). A failed request is returned as its own error, not
// as ErrNoResult. Callers treat it as ModelFailure per the error taxonomy.
var ErrNoResult = errors.New("visionclient: model returned no usable result")

// PromptKind selects which instruction set accompanies the frames. A
// vision model is asked different things depending on whether this is
// full enrichment or a pre-ingest type check.
type PromptKind string

const (
	// PromptEnrich asks for name, category, tags, and description.
	PromptEnrich PromptKind = "enrich"

	// PromptTypeCheck asks only whether the image matches one of the
	// configured acceptedImageTypes, for the pre-ingest filter.
	PromptTypeCheck PromptKind = "type_check"
)

// Client is the capability the Worker Loop and analyze-image depend on.
// frames is one or more images (multiple for animated input, sampled by
// the Image Inspector); mimeType describes the encoding of every frame.
type Client interface {
	Analyze(ctx context.Context, frames [][]byte, mimeType string, kind PromptKind) (*aicache.Fields, error)
}
