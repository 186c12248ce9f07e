package visionclient

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/mwork/mwork-api/internal/domain/aicache"
)

const (
	enrichPrompt = `You are tagging an emoji/sticker image for a catalog. Look at the image and respond with ONLY a JSON object, no prose, matching exactly this shape:
{"name": "short descriptive name", "category": "a short category name", "tags": ["tag1", "tag2"], "description": "one sentence description", "newCategory": "optional, only if no existing category fits"}`

	typeCheckPromptTemplate = `Does this image match one of the following accepted types: %s? Respond with ONLY a JSON object: {"name": "", "category": "", "tags": [], "description": "yes" or "no"}`
)

// GeminiClient is the concrete Client backend, wrapping the Gemini vision
// API behind this package's interface so nothing above it imports the SDK.
type GeminiClient struct {
	client          *genai.Client
	model           string
	typeCheckPrompt string
}

// GeminiConfig configures a GeminiClient. AcceptedTypes feeds the
// pre-ingest type-check prompt (spec.md §6's acceptedImageTypes); it may
// be empty if the type filter is not in use.
type GeminiConfig struct {
	APIKey        string
	Model         string
	AcceptedTypes []string
}

// NewGeminiClient creates a vision client backed by the Gemini API.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	typeCheckPrompt := fmt.Sprintf(typeCheckPromptTemplate, strings.Join(cfg.AcceptedTypes, ", "))

	return &GeminiClient{client: client, model: model, typeCheckPrompt: typeCheckPrompt}, nil
}

// Analyze sends the sampled frames plus the kind's instruction prompt to
// Gemini and runs the JSON extraction cascade over the text response.
func (c *GeminiClient) Analyze(ctx context.Context, frames [][]byte, mimeType string, kind PromptKind) (*aicache.Fields, error) {
	if len(frames) == 0 {
		return nil, ErrNoResult
	}

	prompt := enrichPrompt
	if kind == PromptTypeCheck {
		prompt = c.typeCheckPrompt
	}

	parts := make([]*genai.Part, 0, len(frames)+1)
	parts = append(parts, genai.NewPartFromText(prompt))
	for _, frame := range frames {
		parts = append(parts, genai.NewPartFromBytes(frame, mimeType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	text, err := extractText(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResult, err)
	}

	fields := extractResult(text)
	if fields == nil {
		return nil, ErrNoResult
	}
	return fields, nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("empty response")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no text parts in response")
	}
	return sb.String(), nil
}
