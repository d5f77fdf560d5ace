package agent

import (
	"regexp"
	"strings"
)

var enclosingFencePattern = regexp.MustCompile("(?s)^```(?:\\w+)?\\n(.*?)\\n```$")

// SanitizeCodeContent strips exactly one enclosing Markdown layer from a
// content string: a fenced code block wrapping the whole payload, or a
// single pair of surrounding backticks. It never unwraps recursively, so
// legitimate nested fences inside the payload survive, and it is idempotent
// on already-clean input.
func SanitizeCodeContent(s string) string {
	text := strings.TrimSpace(s)

	if m := enclosingFencePattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}

	if len(text) >= 2 && strings.HasPrefix(text, "`") && strings.HasSuffix(text, "`") &&
		!strings.HasPrefix(text, "```") {
		return strings.TrimSpace(text[1 : len(text)-1])
	}

	return s
}

// SanitizeArguments applies SanitizeCodeContent to the content-bearing
// string arguments of a tool call, in place.
func SanitizeArguments(args map[string]any) {
	for _, key := range []string{"content", "patch", "provided"} {
		if value, ok := args[key].(string); ok {
			args[key] = SanitizeCodeContent(value)
		}
	}
}
