// Package correlate matches outbound remote calls with their inbound results.
//
// Every dispatched command_call registers a single-shot waiter keyed by
// (task id, call id). The connection read path resolves waiters; the task
// control goroutine blocks on them. Late or duplicate results find no waiter
// and are dropped.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conductor/internal/logging"
)

// ErrTimeout is returned by Await when no result arrives in time.
var ErrTimeout = errors.New("remote call timed out")

// ErrCancelled is the default cancellation cause.
var ErrCancelled = errors.New("remote call cancelled")

// Result is the payload delivered to a waiter.
type Result struct {
	OK      bool
	Payload any
	Err     string
}

type delivery struct {
	result Result
	err    error
}

type waiterKey struct {
	taskID string
	callID string
}

// Waiter is a single-shot promise for one remote call.
type Waiter struct {
	key      waiterKey
	ch       chan delivery
	registry *Registry
}

// TaskID returns the owning task id.
func (w *Waiter) TaskID() string { return w.key.taskID }

// CallID returns the correlated call id.
func (w *Waiter) CallID() string { return w.key.callID }

// Await blocks until the waiter is resolved, the timeout elapses, or ctx is
// done. On timeout the waiter is deregistered so a late result is dropped.
func (w *Waiter) Await(ctx context.Context, timeout time.Duration) (Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-w.ch:
		return d.result, d.err
	case <-timer.C:
		w.registry.remove(w.key)
		return Result{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		w.registry.remove(w.key)
		return Result{}, ctx.Err()
	}
}

// Registry holds all outstanding waiters.
type Registry struct {
	mu      sync.Mutex
	waiters map[waiterKey]*Waiter
	logger  logging.Logger
}

// NewRegistry creates an empty waiter registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		waiters: make(map[waiterKey]*Waiter),
		logger:  logging.OrNop(logger),
	}
}

// Register creates a waiter for (taskID, callID). Call ids are freshly
// minted per dispatch, so the key is unique.
func (r *Registry) Register(taskID, callID string) *Waiter {
	key := waiterKey{taskID: taskID, callID: callID}
	w := &Waiter{
		key:      key,
		ch:       make(chan delivery, 1),
		registry: r,
	}

	r.mu.Lock()
	r.waiters[key] = w
	r.mu.Unlock()
	return w
}

// Resolve delivers a result to the matching waiter and removes it. A result
// for an unknown or already-resolved key is logged and dropped, which makes
// duplicate command_result frames idempotent.
func (r *Registry) Resolve(taskID, callID string, result Result) bool {
	w := r.take(waiterKey{taskID: taskID, callID: callID})
	if w == nil {
		r.logger.Warn("dropping result for unknown call %s/%s (late or duplicate)", taskID, callID)
		return false
	}
	w.ch <- delivery{result: result}
	return true
}

// Cancel removes the waiter and wakes its owner with cause.
func (r *Registry) Cancel(taskID, callID string, cause error) bool {
	if cause == nil {
		cause = ErrCancelled
	}
	w := r.take(waiterKey{taskID: taskID, callID: callID})
	if w == nil {
		return false
	}
	w.ch <- delivery{err: cause}
	return true
}

// CancelTask cancels every outstanding waiter owned by taskID and returns
// how many were cancelled.
func (r *Registry) CancelTask(taskID string, cause error) int {
	if cause == nil {
		cause = ErrCancelled
	}

	r.mu.Lock()
	var victims []*Waiter
	for key, w := range r.waiters {
		if key.taskID == taskID {
			victims = append(victims, w)
			delete(r.waiters, key)
		}
	}
	r.mu.Unlock()

	for _, w := range victims {
		w.ch <- delivery{err: cause}
	}
	return len(victims)
}

// Pending returns the number of outstanding waiters.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

func (r *Registry) take(key waiterKey) *Waiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[key]
	if !ok {
		return nil
	}
	delete(r.waiters, key)
	return w
}

func (r *Registry) remove(key waiterKey) {
	r.mu.Lock()
	delete(r.waiters, key)
	r.mu.Unlock()
}
