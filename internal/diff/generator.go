// Package diff generates and applies unified diffs over cached file content.
package diff

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Generator produces unified diffs between two versions of a file.
type Generator struct {
	contextLines int
	colorEnabled bool
}

// NewGenerator creates a diff generator. contextLines controls how many
// unchanged lines surround each hunk.
func NewGenerator(contextLines int, colorEnabled bool) *Generator {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Generator{
		contextLines: contextLines,
		colorEnabled: colorEnabled,
	}
}

// Result contains the generated diff and statistics.
type Result struct {
	UnifiedDiff  string
	AddedLines   int
	DeletedLines int
	IsBinary     bool
}

type opKind byte

const (
	opEqual  opKind = ' '
	opDelete opKind = '-'
	opInsert opKind = '+'
)

type lineOp struct {
	kind opKind
	text string
}

// Unified creates a unified diff between old and new content. The output is
// plain enough that Apply can consume it to reproduce newContent.
func (g *Generator) Unified(oldContent, newContent, filename string) *Result {
	if oldContent == newContent {
		return &Result{}
	}

	if isBinary(oldContent) || isBinary(newContent) {
		return &Result{
			UnifiedDiff: fmt.Sprintf("Binary file %s has changed", filename),
			IsBinary:    true,
		}
	}

	ops := lineOps(oldContent, newContent)
	hunks := g.buildHunks(ops)

	var out strings.Builder
	out.WriteString(g.colorize("--- a/"+filename+"\n", color.FgRed))
	out.WriteString(g.colorize("+++ b/"+filename+"\n", color.FgGreen))

	added, deleted := 0, 0
	for _, h := range hunks {
		header := fmt.Sprintf("@@ -%d,%d +%d,%d @@\n", h.oldStart, h.oldCount, h.newStart, h.newCount)
		out.WriteString(g.colorize(header, color.FgCyan))
		for _, op := range h.ops {
			line := string(op.kind) + op.text + "\n"
			switch op.kind {
			case opDelete:
				out.WriteString(g.colorize(line, color.FgRed))
				deleted++
			case opInsert:
				out.WriteString(g.colorize(line, color.FgGreen))
				added++
			default:
				out.WriteString(line)
			}
		}
	}

	return &Result{
		UnifiedDiff:  out.String(),
		AddedLines:   added,
		DeletedLines: deleted,
	}
}

// lineOps computes a line-level edit script. Both inputs get a trailing
// newline appended so every line token carries one; the tokens then map
// one-to-one onto strings.Split(content, "\n"), which is the document model
// Apply uses.
func lineOps(oldContent, newContent string) []lineOp {
	dmp := diffmatchpatch.New()
	oldChars, newChars, lineArray := dmp.DiffLinesToChars(oldContent+"\n", newContent+"\n")
	diffs := dmp.DiffMain(oldChars, newChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var ops []lineOp
	for _, d := range diffs {
		kind := opEqual
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			kind = opDelete
		case diffmatchpatch.DiffInsert:
			kind = opInsert
		}
		text := d.Text
		for len(text) > 0 {
			idx := strings.IndexByte(text, '\n')
			if idx < 0 {
				ops = append(ops, lineOp{kind: kind, text: text})
				break
			}
			ops = append(ops, lineOp{kind: kind, text: text[:idx]})
			text = text[idx+1:]
		}
	}
	return ops
}

type hunk struct {
	oldStart, oldCount int
	newStart, newCount int
	ops                []lineOp
}

// buildHunks groups the edit script into hunks with the configured context,
// merging change runs whose context regions would touch.
func (g *Generator) buildHunks(ops []lineOp) []hunk {
	n := len(ops)
	var hunks []hunk
	i := 0
	for i < n {
		if ops[i].kind == opEqual {
			i++
			continue
		}

		start := i - g.contextLines
		if start < 0 {
			start = 0
		}

		// Extend over subsequent change runs separated by at most
		// 2*contextLines equal lines.
		end := i + 1
		j := i + 1
		for j < n {
			if ops[j].kind != opEqual {
				end = j + 1
				j++
				continue
			}
			gap := 0
			for j+gap < n && ops[j+gap].kind == opEqual {
				gap++
			}
			if j+gap >= n || gap > 2*g.contextLines {
				break
			}
			j += gap
		}

		stop := end + g.contextLines
		if stop > n {
			stop = n
		}

		h := hunk{ops: ops[start:stop]}
		oldLine, newLine := 1, 1
		for _, op := range ops[:start] {
			switch op.kind {
			case opEqual:
				oldLine++
				newLine++
			case opDelete:
				oldLine++
			case opInsert:
				newLine++
			}
		}
		h.oldStart, h.newStart = oldLine, newLine
		for _, op := range h.ops {
			switch op.kind {
			case opEqual:
				h.oldCount++
				h.newCount++
			case opDelete:
				h.oldCount++
			case opInsert:
				h.newCount++
			}
		}
		hunks = append(hunks, h)
		i = stop
	}
	return hunks
}

// FormatSummary returns a human-readable summary of changes.
func (r *Result) FormatSummary() string {
	if r.IsBinary {
		return "Binary file changed"
	}
	if r.AddedLines == 0 && r.DeletedLines == 0 {
		return "No changes"
	}
	var parts []string
	if r.AddedLines > 0 {
		parts = append(parts, fmt.Sprintf("+%d lines", r.AddedLines))
	}
	if r.DeletedLines > 0 {
		parts = append(parts, fmt.Sprintf("-%d lines", r.DeletedLines))
	}
	return strings.Join(parts, ", ")
}

func (g *Generator) colorize(text string, attr color.Attribute) string {
	if !g.colorEnabled {
		return text
	}
	return color.New(attr).Sprint(text)
}

// isBinary checks the first 8000 bytes for NUL.
func isBinary(content string) bool {
	checkLen := len(content)
	if checkLen > 8000 {
		checkLen = 8000
	}
	for i := 0; i < checkLen; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}
