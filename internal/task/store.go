package task

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/logging"
)

// ErrNotFound marks a lookup of an unknown task id.
var ErrNotFound = errors.New("task not found")

// ErrTerminal marks a rejected mutation of a completed, failed, or
// cancelled task.
var ErrTerminal = errors.New("task is in a terminal state")

// Store is the in-memory task registry. The store lock only guards the map;
// each task carries its own lock so cross-task access is independent.
type Store struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	maxErrors int
	logger    logging.Logger
}

// NewStore creates an empty store. maxErrors caps a task's consecutive
// error streak; reaching it is reported by RecordError.
func NewStore(maxErrors int, logger logging.Logger) *Store {
	if maxErrors < 1 {
		maxErrors = 3
	}
	return &Store{
		tasks:     make(map[string]*Task),
		maxErrors: maxErrors,
		logger:    logging.OrNop(logger),
	}
}

// Create registers a new task in the queued state. prompt is the composed
// prompt (profile system preamble plus the user request); it also seeds the
// history with the initial system turn.
func (s *Store) Create(kind, clientID, prompt string, allowedTools []string) *Task {
	now := time.Now()
	allowed := make(map[string]bool, len(allowedTools))
	for _, name := range allowedTools {
		allowed[name] = true
	}

	t := &Task{
		ID:           "task-" + uuid.NewString(),
		Kind:         kind,
		ClientID:     clientID,
		Prompt:       prompt,
		status:       StatusQueued,
		history:      []Turn{{Role: RoleSystem, Content: prompt}},
		Context:      make(map[string]any),
		allowedTools: allowed,
		fileCache:    NewFileCache(),
		maxErrors:    s.maxErrors,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	s.logger.Info("created task %s of kind %q for client %q", t.ID, kind, clientID)
	return t
}

// Get returns the task for id.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// SetStatus transitions a task to a non-terminal state.
func (s *Store) SetStatus(id string, status Status) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return ErrTerminal
	}
	t.status = status
	t.UpdatedAt = time.Now()
	return nil
}

// Complete marks the task completed with its final result.
func (s *Store) Complete(id string, result any) error {
	return s.finish(id, StatusCompleted, result, "")
}

// Fail marks the task failed with an error message.
func (s *Store) Fail(id string, errMsg string) error {
	return s.finish(id, StatusFailed, nil, errMsg)
}

// Cancel marks the task cancelled. Cancellation of an already-terminal task
// is a no-op rather than an error, so duplicate cancel frames are harmless.
func (s *Store) Cancel(id string) error {
	err := s.finish(id, StatusCancelled, nil, "")
	if errors.Is(err, ErrTerminal) {
		return nil
	}
	return err
}

func (s *Store) finish(id string, status Status, result any, errMsg string) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return ErrTerminal
	}
	t.status = status
	t.Result = result
	t.Error = errMsg
	t.pending = nil
	t.UpdatedAt = time.Now()

	s.logger.Info("task %s -> %s", id, status)
	return nil
}

// SetPending records the outstanding call and moves the task to the waiting
// state matching the tool (waiting_for_user for ask_user, otherwise
// waiting_for_command). This keeps the pending/waiting invariant in one
// place.
func (s *Store) SetPending(id, callID, tool string) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return ErrTerminal
	}
	t.pending = &PendingCall{CallID: callID, Tool: tool}
	if tool == "ask_user" {
		t.status = StatusWaitingForUser
	} else {
		t.status = StatusWaitingForCommand
	}
	t.UpdatedAt = time.Now()
	return nil
}

// ClearPending drops the outstanding call and returns the task to running.
func (s *Store) ClearPending(id string) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return ErrTerminal
	}
	t.pending = nil
	t.status = StatusRunning
	t.UpdatedAt = time.Now()
	return nil
}

// AppendHistory adds a turn. History is append-only and only grows.
func (s *Store) AppendHistory(id string, turn Turn) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return ErrTerminal
	}
	t.history = append(t.history, turn)
	t.UpdatedAt = time.Now()
	return nil
}

// RecordError bumps the consecutive error counter and reports the new count
// and whether the cap was reached. The caller fails the task on capped.
func (s *Store) RecordError(id string) (count int, capped bool) {
	t, err := s.Get(id)
	if err != nil {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consecutiveErrors < t.maxErrors {
		t.consecutiveErrors++
	}
	return t.consecutiveErrors, t.consecutiveErrors >= t.maxErrors
}

// ResetErrors clears the consecutive error counter after any success.
func (s *Store) ResetErrors(id string) {
	t, err := s.Get(id)
	if err != nil {
		return
	}

	t.mu.Lock()
	t.consecutiveErrors = 0
	t.mu.Unlock()
}

// List returns snapshots of every task.
func (s *Store) List() []Snapshot {
	s.mu.RLock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	return out
}

// ListByClient returns the tasks owned by clientID.
func (s *Store) ListByClient(clientID string) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.ClientID == clientID {
			out = append(out, t)
		}
	}
	return out
}

// ActiveCount returns how many tasks are not yet terminal.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()

	count := 0
	for _, t := range tasks {
		if t.Status().Active() {
			count++
		}
	}
	return count
}

// Len returns the total number of tasks ever created in this process.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
