package visionclient

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/mwork/mwork-api/internal/domain/aicache"
)

// extractResult runs an ordered cascade of extraction strategies over raw
// model output and returns the first one that yields valid JSON matching
// aicache.Fields. This formalizes the "ad-hoc JSON extraction from model
// output" pattern as a tagged {ok(result) | none} outcome: a nil return
// means every strategy failed.
func extractResult(raw string) *aicache.Fields {
	for _, strategy := range []func(string) (string, bool){
		stripCodeFences,
		matchOutermostBraces,
		balancedBraceScan,
	} {
		candidate, ok := strategy(raw)
		if !ok {
			continue
		}
		var fields aicache.Fields
		if err := json.Unmarshal([]byte(candidate), &fields); err == nil {
			return &fields
		}
	}
	return nil
}

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// stripCodeFences handles the common case of a model wrapping its JSON in
// a markdown code block.
func stripCodeFences(raw string) (string, bool) {
	m := codeFenceRe.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// matchOutermostBraces takes everything between the first '{' and the
// last '}' in the string, for output with leading/trailing prose.
func matchOutermostBraces(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < 0 || end < start {
		return "", false
	}
	return raw[start : end+1], true
}

// balancedBraceScan walks the string tracking brace depth and returns the
// first balanced {...} span, for output containing more than one JSON
// object where matchOutermostBraces would over-capture.
func balancedBraceScan(raw string) (string, bool) {
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range raw {
		if inString {
			if escaped {
				escaped = false
			} else if r == '\\' {
				escaped = true
			} else if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return raw[start : i+1], true
				}
			}
		}
	}
	return "", false
}
