package dispatch

import (
	"context"
	"fmt"

	"conductor/internal/filecache"
	"conductor/internal/protocol"
	"conductor/internal/task"
)

// Local tool handlers. Each runs on the task's control goroutine, so cache
// access needs no locking.

func (d *Dispatcher) handleSendStatus(_ context.Context, t *task.Task, args map[string]any) (any, error) {
	message, _ := args["message"].(string)
	if message == "" {
		return nil, fmt.Errorf("send_status needs a message argument")
	}
	// Fire and forget: a dropped progress frame is not an error.
	delivered := d.send(t.ClientID, protocol.NewStatusUpdate(t.ID, message))
	return map[string]any{"delivered": delivered}, nil
}

func (d *Dispatcher) handleReadCached(_ context.Context, t *task.Task, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("read_cached needs a path argument")
	}
	content, ok := t.Files().Get(path)
	if !ok {
		return nil, fmt.Errorf("path %q is not cached; use fs_read to load it from the client first (cached paths: %v)", path, t.Files().Paths())
	}
	return map[string]any{"path": path, "content": content, "size": len(content)}, nil
}

func (d *Dispatcher) handleWriteCached(_ context.Context, t *task.Task, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return nil, fmt.Errorf("write_cached needs a path argument")
	}
	t.Files().Set(path, content)
	return map[string]any{"path": path, "size": len(content)}, nil
}

func (d *Dispatcher) handlePatchCached(_ context.Context, t *task.Task, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	patch, _ := args["patch"].(string)
	format, _ := args["format"].(string)
	dryRun, _ := args["dry_run"].(bool)
	if format == "" {
		format = filecache.FormatUnifiedDiff
	}
	return d.engine.Patch(t.Files(), path, patch, format, dryRun)
}

func (d *Dispatcher) handleDiffCached(_ context.Context, t *task.Task, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	against, _ := args["against"].(string)
	provided, _ := args["provided"].(string)
	return d.engine.Diff(t.Files(), path, against, provided)
}

func (d *Dispatcher) handleCheckCached(ctx context.Context, t *task.Task, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("lua_check_cached needs a path argument")
	}
	return d.engine.Check(ctx, t.Files(), path)
}
