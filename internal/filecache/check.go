package filecache

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"conductor/internal/logging"
	"conductor/internal/task"
)

// Verdict cache sizing. Content-addressed, so a hit is always valid; the
// TTL only bounds memory for long-lived processes.
const (
	verdictCacheSize = 256
	verdictCacheTTL  = 10 * time.Minute
	checkTimeout     = 15 * time.Second
)

// CheckResult is a syntax check verdict.
type CheckResult struct {
	Path    string `json:"path"`
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped"`
	Output  string `json:"output,omitempty"`
	Note    string `json:"note,omitempty"`
}

// checkRunner shells out to the configured checker and caches verdicts by
// content hash.
type checkRunner struct {
	command  []string
	logger   logging.Logger
	verdicts *expirable.LRU[string, CheckResult]
}

func newCheckRunner(command string, logger logging.Logger) *checkRunner {
	return &checkRunner{
		command:  strings.Fields(command),
		logger:   logger,
		verdicts: expirable.NewLRU[string, CheckResult](verdictCacheSize, nil, verdictCacheTTL),
	}
}

// Check runs the external syntax checker over the cached content of path.
// The content is written to a file in a fresh temp directory, the checker
// runs against it, and the directory is removed. A missing checker binary
// is a skip, not a failure.
func (e *Engine) Check(ctx context.Context, files *task.FileCache, path string) (*CheckResult, error) {
	content, ok := files.Get(path)
	if !ok {
		return nil, fmt.Errorf("path %q is not cached", path)
	}
	return e.checker.run(ctx, path, content)
}

func (r *checkRunner) run(ctx context.Context, path, content string) (*CheckResult, error) {
	if len(r.command) == 0 {
		return &CheckResult{Path: path, OK: true, Skipped: true, Note: "no checker configured"}, nil
	}

	key := contentHash(r.command[0], content)
	if cached, ok := r.verdicts.Get(key); ok {
		cached.Path = path
		return &cached, nil
	}

	result, err := r.invoke(ctx, path, content)
	if err != nil {
		return nil, err
	}
	r.verdicts.Add(key, *result)
	return result, nil
}

func (r *checkRunner) invoke(ctx context.Context, path, content string) (*CheckResult, error) {
	dir, err := os.MkdirTemp("", "conductor-check-")
	if err != nil {
		return nil, fmt.Errorf("create check scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	scratch := filepath.Join(dir, filepath.Base(path))
	if err := os.WriteFile(scratch, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("write check scratch file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	args := append(append([]string{}, r.command[1:]...), scratch)
	cmd := exec.CommandContext(ctx, r.command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	switch {
	case runErr == nil:
		return &CheckResult{Path: path, OK: true}, nil
	case errors.Is(runErr, exec.ErrNotFound):
		r.logger.Warn("checker %q not installed, skipping syntax check", r.command[0])
		return &CheckResult{
			Path:    path,
			OK:      true,
			Skipped: true,
			Note:    fmt.Sprintf("checker %q not installed", r.command[0]),
		}, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("checker timed out: %w", ctx.Err())
	default:
		output := strings.TrimSpace(stderr.String())
		// Scratch paths leak into checker messages; map them back.
		output = strings.ReplaceAll(output, scratch, path)
		return &CheckResult{Path: path, OK: false, Output: output}, nil
	}
}

func contentHash(checker, content string) string {
	h := md5.New()
	h.Write([]byte(checker))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}
