// Package dispatch routes validated tool calls to their implementations:
// local cache operations, remote command calls on the client, and user
// questions.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"conductor/internal/task"
)

// Class separates the three dispatch flows.
type Class int

const (
	// ClassLocal tools run inside the server against the task cache.
	ClassLocal Class = iota
	// ClassRemote tools become command_call frames to the owning client.
	ClassRemote
	// ClassAskUser suspends the task on a user_question frame.
	ClassAskUser
)

// LocalHandler executes a local tool against the task's cache.
type LocalHandler func(ctx context.Context, t *task.Task, args map[string]any) (any, error)

// PrepareFunc rewrites remote call arguments before they go on the wire.
type PrepareFunc func(t *task.Task, args map[string]any) (map[string]any, error)

// Spec describes one tool in the registry.
type Spec struct {
	Class   Class
	Command string // wire command name for remote tools
	Exec    bool   // runs a program on the client, gets the long timeout
	Prepare PrepareFunc
	Handler LocalHandler
}

// buildRegistry wires the tool table to the dispatcher's handlers. The
// table, not code structure, decides how a tool flows.
func (d *Dispatcher) buildRegistry() map[string]Spec {
	return map[string]Spec{
		// Local cache tools.
		"send_status":      {Class: ClassLocal, Handler: d.handleSendStatus},
		"read_cached":      {Class: ClassLocal, Handler: d.handleReadCached},
		"write_cached":     {Class: ClassLocal, Handler: d.handleWriteCached},
		"patch_cached":     {Class: ClassLocal, Handler: d.handlePatchCached},
		"diff_cached":      {Class: ClassLocal, Handler: d.handleDiffCached},
		"lua_check_cached": {Class: ClassLocal, Handler: d.handleCheckCached},

		// Remote filesystem and execution tools.
		"fs_read":     {Class: ClassRemote, Command: "fs_read"},
		"fs_write":    {Class: ClassRemote, Command: "fs_write"},
		"fs_list":     {Class: ClassRemote, Command: "fs_list"},
		"fs_tree":     {Class: ClassRemote, Command: "fs_tree"},
		"fs_delete":   {Class: ClassRemote, Command: "fs_delete"},
		"run_program": {Class: ClassRemote, Command: "run_program", Exec: true},
		"shell_exec":  {Class: ClassRemote, Command: "shell_exec", Exec: true},
		"write_and_run": {
			Class: ClassRemote, Command: "write_and_run", Exec: true,
		},
		// Flushes cached content to the client as a plain fs_write.
		"fs_write_cached": {
			Class: ClassRemote, Command: "fs_write", Prepare: prepareCacheFlush,
		},

		"ask_user": {Class: ClassAskUser},
	}
}

// prepareCacheFlush replaces the arguments of fs_write_cached with the
// cached content of the named path.
func prepareCacheFlush(t *task.Task, args map[string]any) (map[string]any, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("fs_write_cached needs a path argument")
	}
	content, ok := t.Files().Get(path)
	if !ok {
		return nil, fmt.Errorf("path %q is not cached; nothing to flush", path)
	}
	return map[string]any{"path": path, "content": content}, nil
}

// forbiddenQuestionPhrases are lazy delegation patterns: questions that ask
// the user to do the model's job instead of stating a preference.
var forbiddenQuestionPhrases = []string{
	"provide the content",
	"what code",
	"write the content",
}

// ValidateQuestion rejects user questions that delegate content decisions
// to the user.
func ValidateQuestion(question string) error {
	if strings.TrimSpace(question) == "" {
		return fmt.Errorf("question is empty")
	}
	lowered := strings.ToLower(question)
	for _, phrase := range forbiddenQuestionPhrases {
		if strings.Contains(lowered, phrase) {
			return fmt.Errorf("question contains forbidden phrase %q: decide the content yourself, or ask about behavior and preferences", phrase)
		}
	}
	return nil
}
