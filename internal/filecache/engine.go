// Package filecache implements the server-side patch, diff, and syntax
// check operations over a task's cached file contents.
package filecache

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"conductor/internal/diff"
	"conductor/internal/logging"
	"conductor/internal/task"
)

// Patch formats.
const (
	FormatUnifiedDiff  = "unified_diff"
	FormatReplaceRegex = "replace_regex"
	FormatReplaceRange = "replace_range"
)

// Diff targets.
const (
	AgainstOriginal = "original"
	AgainstProvided = "provided"
)

// regexSeparator splits the replace_regex payload into pattern and
// replacement.
const regexSeparator = "|||"

// Engine performs cache-local file operations. It is stateless apart from
// the check verdict cache; the file contents live on the task.
type Engine struct {
	logger  logging.Logger
	gen     *diff.Generator
	checker *checkRunner
}

// NewEngine builds an engine. checkerCommand is the external syntax checker
// invocation, e.g. "luac -p"; the file path is appended as the last
// argument.
func NewEngine(checkerCommand string, logger logging.Logger) *Engine {
	logger = logging.OrNop(logger)
	return &Engine{
		logger:  logger,
		gen:     diff.NewGenerator(3, false),
		checker: newCheckRunner(checkerCommand, logger),
	}
}

// PatchResult reports the outcome of a cache patch.
type PatchResult struct {
	Path        string `json:"path"`
	Format      string `json:"format"`
	DryRun      bool   `json:"dry_run"`
	UnifiedDiff string `json:"unified_diff"`
	OldSize     int    `json:"old_size"`
	NewSize     int    `json:"new_size"`
	Note        string `json:"note,omitempty"`
}

// Patch applies patch to the cached content of path and stores the result,
// unless dryRun is set. The returned unified diff shows what changed (or
// would change).
func (e *Engine) Patch(files *task.FileCache, path, patch, format string, dryRun bool) (*PatchResult, error) {
	content, ok := files.Get(path)
	if !ok {
		return nil, fmt.Errorf("path %q is not cached; read or write it first", path)
	}

	var (
		updated string
		err     error
	)
	switch format {
	case FormatUnifiedDiff, "":
		updated, err = diff.Apply(content, patch)
	case FormatReplaceRegex:
		updated, err = applyRegex(content, patch)
	case FormatReplaceRange:
		updated, err = applyRange(content, patch)
	default:
		return nil, fmt.Errorf("unknown patch format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("apply %s patch to %q: %w", format, path, err)
	}

	result := &PatchResult{
		Path:        path,
		Format:      format,
		DryRun:      dryRun,
		UnifiedDiff: e.gen.Unified(content, updated, path).UnifiedDiff,
		OldSize:     len(content),
		NewSize:     len(updated),
	}
	if content == updated {
		result.Note = "patch produced no changes"
	}
	if dryRun {
		result.Note = strings.TrimSpace(result.Note + " (dry run, cache unchanged)")
		return result, nil
	}

	files.Set(path, updated)
	e.logger.Debug("patched %q (%s): %d -> %d bytes", path, format, result.OldSize, result.NewSize)
	return result, nil
}

// DiffResult reports a cache diff.
type DiffResult struct {
	Path         string `json:"path"`
	Against      string `json:"against"`
	UnifiedDiff  string `json:"unified_diff"`
	AddedLines   int    `json:"added_lines"`
	DeletedLines int    `json:"deleted_lines"`
	Identical    bool   `json:"identical"`
}

// Diff compares the cached content of path against its original snapshot or
// a provided string.
func (e *Engine) Diff(files *task.FileCache, path, against, provided string) (*DiffResult, error) {
	content, ok := files.Get(path)
	if !ok {
		return nil, fmt.Errorf("path %q is not cached", path)
	}

	var base string
	switch against {
	case AgainstOriginal, "":
		original, ok := files.Original(path)
		if !ok {
			return nil, fmt.Errorf("no original snapshot for %q", path)
		}
		base = original
		against = AgainstOriginal
	case AgainstProvided:
		base = provided
	default:
		return nil, fmt.Errorf("unknown diff target %q", against)
	}

	res := e.gen.Unified(base, content, path)
	return &DiffResult{
		Path:         path,
		Against:      against,
		UnifiedDiff:  res.UnifiedDiff,
		AddedLines:   res.AddedLines,
		DeletedLines: res.DeletedLines,
		Identical:    res.UnifiedDiff == "",
	}, nil
}

// applyRegex interprets patch as "pattern|||replacement" and substitutes
// every match. The pattern runs in multi-line dot-all mode: ^ and $ anchor
// to line boundaries while . can still span lines.
func applyRegex(content, patch string) (string, error) {
	parts := strings.SplitN(patch, regexSeparator, 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("replace_regex patch needs %q between pattern and replacement", regexSeparator)
	}
	re, err := regexp.Compile("(?ms)" + parts[0])
	if err != nil {
		return "", fmt.Errorf("compile pattern: %w", err)
	}
	if !re.MatchString(content) {
		return "", fmt.Errorf("pattern %q matches nothing", parts[0])
	}
	return re.ReplaceAllString(content, parts[1]), nil
}

// applyRange interprets patch as "start,end\ntext" and replaces the 1-based
// inclusive line range with text.
func applyRange(content, patch string) (string, error) {
	header, text, _ := strings.Cut(patch, "\n")
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(header), ",")
	if !ok {
		return "", fmt.Errorf("replace_range patch needs a \"start,end\" first line")
	}
	start, err := strconv.Atoi(strings.TrimSpace(startStr))
	if err != nil {
		return "", fmt.Errorf("bad range start: %w", err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(endStr))
	if err != nil {
		return "", fmt.Errorf("bad range end: %w", err)
	}

	lines := strings.Split(content, "\n")
	if start < 1 || end < start || end > len(lines) {
		return "", fmt.Errorf("range %d,%d out of bounds for %d line(s)", start, end, len(lines))
	}

	var out []string
	out = append(out, lines[:start-1]...)
	if text != "" {
		out = append(out, strings.Split(text, "\n")...)
	}
	out = append(out, lines[end:]...)
	return strings.Join(out, "\n"), nil
}
