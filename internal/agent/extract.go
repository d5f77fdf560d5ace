package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var (
	thinkPattern      = regexp.MustCompile(`(?s)<think>.*?</think>`)
	fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
)

// StripThink removes <think>...</think> blocks some models emit before their
// actual answer.
func StripThink(content string) string {
	return strings.TrimSpace(thinkPattern.ReplaceAllString(content, ""))
}

// ExtractJSONCandidates pulls JSON object candidates from a model
// completion, in three stages: fenced ```json blocks, the whole body, then a
// brace-balanced scan. Candidates that only parse after a jsonrepair pass
// are returned repaired.
func ExtractJSONCandidates(content string) []string {
	content = StripThink(content)
	var out []string

	for _, match := range fencedJSONPattern.FindAllStringSubmatch(content, -1) {
		if candidate, ok := normalizeCandidate(match[1]); ok {
			out = append(out, candidate)
		}
	}
	if len(out) > 0 {
		return out
	}

	// Whole-body stage takes strict parses only; a repair pass here could
	// swallow prose between multiple objects and hide all but the first.
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") && isJSONObject(trimmed) {
		return []string{trimmed}
	}

	for _, candidate := range scanBalancedObjects(content) {
		if normalized, ok := normalizeCandidate(candidate); ok {
			out = append(out, normalized)
		}
	}
	if len(out) > 0 {
		return out
	}

	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		if candidate, ok := normalizeCandidate(trimmed); ok {
			return []string{candidate}
		}
	}
	return nil
}

// ExtractLastJSONObject returns the last JSON object in content, found by
// scanning backwards with brace counting. Used by the two-agent arrangement
// where the directive model appends its tool call after free-form prose.
func ExtractLastJSONObject(content string) (string, bool) {
	content = StripThink(content)
	candidates := ExtractJSONCandidates(content)
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[len(candidates)-1], true
}

// normalizeCandidate verifies the candidate parses as a JSON object,
// attempting a jsonrepair pass when a strict parse fails.
func normalizeCandidate(candidate string) (string, bool) {
	candidate = strings.TrimSpace(candidate)
	if isJSONObject(candidate) {
		return candidate, true
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return "", false
	}
	repaired = strings.TrimSpace(repaired)
	if !isJSONObject(repaired) {
		return "", false
	}
	return repaired, true
}

func isJSONObject(candidate string) bool {
	var value map[string]any
	return json.Unmarshal([]byte(candidate), &value) == nil
}

// scanBalancedObjects finds top-level brace-balanced regions, skipping
// braces inside JSON strings.
func scanBalancedObjects(content string) []string {
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(content); i++ {
		ch := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, content[start:i+1])
				start = -1
			}
		}
	}
	return out
}
