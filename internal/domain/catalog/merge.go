package catalog

import "github.com/mwork/mwork-api/internal/domain/aicache"

// defaultCategory is applied when neither the user nor the AI result
// supplies one.
const defaultCategory = "其他"

// Fields is the subset of Image that the merge rule and category
// auto-creation operate over.
type Fields struct {
	Name     string
	Category string
	Tags     []string
}

// Merge applies spec's merge rule to user-supplied fields and an AI
// result: the AI's name wins if present, the AI's category wins if
// present (falling back to the user's, then the default), and tags are
// the distinct union preserving first-occurrence order. Centralized here
// so both the Catalog's cache-hit path and the Worker's success path call
// the same function (§9: "merge rule duplication").
//
// Deterministic given the same inputs (L4).
func Merge(original Fields, ai *aicache.Fields) Fields {
	if ai == nil {
		return original
	}

	name := ai.Name
	if name == "" {
		name = original.Name
	}

	category := ai.Category
	if category == "" {
		category = original.Category
	}
	if category == "" {
		category = defaultCategory
	}

	return Fields{
		Name:     name,
		Category: category,
		Tags:     distinctPreserveOrder(original.Tags, ai.Tags),
	}
}
