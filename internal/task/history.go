package task

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Dialog roles used in task history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FormatToolResult renders a tool outcome as a history turn the model reads
// on its next tick. Results arrive as user-role turns because the chat
// backend only distinguishes system, user, and assistant.
func FormatToolResult(tool string, result any, errMsg string, limit int) Turn {
	var content string
	if errMsg != "" {
		content = fmt.Sprintf("[SYSTEM] Your '%s' call failed with error:\n%s\n\nYou must fix this and try again.", tool, errMsg)
	} else {
		content = fmt.Sprintf("[SYSTEM] Your '%s' call succeeded. Result:\n```json\n%s\n```", tool, marshalResult(result))
	}
	return Turn{Role: RoleUser, Content: Truncate(content, limit)}
}

// Truncate caps s at limit bytes, appending a marker when content was cut.
// The cut backs up to a rune boundary so the result stays valid UTF-8.
// A non-positive limit disables truncation.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [truncated]"
}

func marshalResult(result any) string {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}
