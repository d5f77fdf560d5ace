package diff

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var hunkHeaderPattern = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Apply applies a unified diff to content and returns the patched result.
// The patch must have been produced against exactly this content; context
// and deletion lines are verified and any mismatch is an error.
func Apply(content, patch string) (string, error) {
	lines := strings.Split(content, "\n")
	patchLines := strings.Split(patch, "\n")

	var out []string
	cursor := 0 // next unconsumed index into lines

	i := 0
	sawHunk := false
	for i < len(patchLines) {
		line := patchLines[i]
		if strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ ") {
			i++
			continue
		}
		m := hunkHeaderPattern.FindStringSubmatch(line)
		if m == nil {
			if strings.TrimSpace(line) == "" {
				i++
				continue
			}
			if !sawHunk {
				return "", fmt.Errorf("unexpected line before first hunk: %q", line)
			}
			i++
			continue
		}
		sawHunk = true
		oldStart, _ := strconv.Atoi(m[1])
		if oldStart < 1 {
			oldStart = 1
		}

		// Copy unchanged lines up to the hunk.
		hunkTop := oldStart - 1
		if hunkTop < cursor {
			return "", fmt.Errorf("overlapping hunk at line %d", oldStart)
		}
		if hunkTop > len(lines) {
			return "", fmt.Errorf("hunk start %d beyond end of content (%d lines)", oldStart, len(lines))
		}
		out = append(out, lines[cursor:hunkTop]...)
		cursor = hunkTop

		i++
		for i < len(patchLines) {
			pl := patchLines[i]
			if hunkHeaderPattern.MatchString(pl) {
				break
			}
			if pl == "" && i == len(patchLines)-1 {
				// Trailing newline of the patch text itself.
				i++
				break
			}
			if len(pl) == 0 {
				return "", fmt.Errorf("malformed hunk line %d: empty", i+1)
			}
			marker, text := pl[0], pl[1:]
			switch marker {
			case ' ':
				if cursor >= len(lines) || lines[cursor] != text {
					return "", contextMismatch(cursor, text, lines)
				}
				out = append(out, text)
				cursor++
			case '-':
				if cursor >= len(lines) || lines[cursor] != text {
					return "", contextMismatch(cursor, text, lines)
				}
				cursor++
			case '+':
				out = append(out, text)
			default:
				if strings.HasPrefix(pl, "\\") {
					// "\ No newline at end of file" markers are ignored.
					i++
					continue
				}
				return "", fmt.Errorf("malformed hunk line %d: %q", i+1, pl)
			}
			i++
		}
	}

	if !sawHunk {
		return "", fmt.Errorf("patch contains no hunks")
	}

	out = append(out, lines[cursor:]...)
	return strings.Join(out, "\n"), nil
}

func contextMismatch(cursor int, expected string, lines []string) error {
	got := "<end of file>"
	if cursor < len(lines) {
		got = lines[cursor]
	}
	return fmt.Errorf("patch does not apply at line %d: expected %q, found %q", cursor+1, expected, got)
}
