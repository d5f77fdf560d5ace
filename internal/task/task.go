// Package task defines the central Task entity and its in-memory store.
package task

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status enumerates the task lifecycle states.
type Status string

const (
	StatusQueued            Status = "queued"
	StatusRunning           Status = "running"
	StatusWaitingForCommand Status = "waiting_for_command"
	StatusWaitingForUser    Status = "waiting_for_user"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the task still occupies a control goroutine.
func (s Status) Active() bool {
	return !s.Terminal()
}

// Turn is one entry of a task's conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PendingCall identifies the single outstanding remote call or user question
// for a task. A task is in a waiting state iff this is non-nil.
type PendingCall struct {
	CallID string
	Tool   string
}

// callRecord is one entry of the duplicate-call window.
type callRecord struct {
	tool string
	hash string
}

// duplicateWindow is how many recent dispatches the throttle remembers; a
// call repeated that many times within the window is rejected.
const duplicateWindow = 3

// Task is the central entity: one natural-language job for one client.
// All fields behind mu; mutations flow through the Store so the terminal
// immutability invariant is enforced in one place.
type Task struct {
	mu sync.Mutex

	ID           string
	Kind         string
	ClientID     string
	Prompt       string
	status       Status
	history      []Turn
	Context      map[string]any
	allowedTools map[string]bool
	fileCache    *FileCache
	pending      *PendingCall
	recentCalls  []callRecord

	consecutiveErrors int
	maxErrors         int

	Result    any
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// History returns a copy of the conversation history.
func (t *Task) History() []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Turn, len(t.history))
	copy(out, t.history)
	return out
}

// HistoryLen returns the number of history turns.
func (t *Task) HistoryLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history)
}

// Pending returns the outstanding call, or nil.
func (t *Task) Pending() *PendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return nil
	}
	p := *t.pending
	return &p
}

// IsAllowed reports whether the tool is in the task's allowlist.
func (t *Task) IsAllowed(tool string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowedTools[tool]
}

// AllowedTools returns the sorted allowlist.
func (t *Task) AllowedTools() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.allowedTools))
	for name := range t.allowedTools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Files returns the task's private file cache. Only the task's own control
// goroutine may touch it, so the cache itself is unlocked.
func (t *Task) Files() *FileCache {
	return t.fileCache
}

// ConsecutiveErrors returns the current error streak.
func (t *Task) ConsecutiveErrors() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutiveErrors
}

// FingerprintCall hashes a tool call for the duplicate throttle. Arguments
// are serialized with sorted keys so logically equal calls collide.
func FingerprintCall(tool string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := md5.New()
	h.Write([]byte(tool))
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%v", k, args[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RecordCall appends a fingerprint to the duplicate window and returns how
// many times this exact call now appears in it, the new occurrence included.
func (t *Task) RecordCall(tool, hash string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recentCalls = append(t.recentCalls, callRecord{tool: tool, hash: hash})
	if len(t.recentCalls) > duplicateWindow {
		t.recentCalls = t.recentCalls[1:]
	}

	count := 0
	for _, rec := range t.recentCalls {
		if rec.tool == tool && rec.hash == hash {
			count++
		}
	}
	return count
}

// Snapshot is a read-only view of a task for the HTTP status surface.
type Snapshot struct {
	TaskID        string    `json:"task_id"`
	Kind          string    `json:"kind"`
	ClientID      string    `json:"client_id"`
	Status        Status    `json:"status"`
	Prompt        string    `json:"prompt"`
	AllowedTools  []string  `json:"allowed_tools"`
	Result        any       `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	HistoryLength int       `json:"history_length"`
	CachedFiles   int       `json:"cached_files"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Snapshot captures the task state for read-only consumers.
func (t *Task) Snapshot() Snapshot {
	tools := t.AllowedTools()

	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		TaskID:        t.ID,
		Kind:          t.Kind,
		ClientID:      t.ClientID,
		Status:        t.status,
		Prompt:        t.Prompt,
		AllowedTools:  tools,
		Result:        t.Result,
		Error:         t.Error,
		HistoryLength: len(t.history),
		CachedFiles:   t.fileCache.Len(),
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}
