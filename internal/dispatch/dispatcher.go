package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conductor/internal/agent"
	"conductor/internal/channel"
	"conductor/internal/correlate"
	"conductor/internal/filecache"
	"conductor/internal/logging"
	"conductor/internal/observability"
	"conductor/internal/protocol"
	"conductor/internal/task"
)

// duplicateLimit is how many identical calls in the recent window trigger
// the anti-loop rejection.
const duplicateLimit = 3

// OutcomeKind tells the control graph how a batch ended.
type OutcomeKind int

const (
	// Done means the whole batch executed; decide the next step.
	Done OutcomeKind = iota
	// WaitingForCommand means a remote call went out; suspend on the waiter.
	WaitingForCommand
	// WaitingForUser means a user question went out; suspend on the waiter.
	WaitingForUser
	// Fatal means the batch cannot make progress and the task must fail.
	Fatal
)

// Outcome is the result of one ExecuteBatch run.
type Outcome struct {
	Kind    OutcomeKind
	Tool    string
	CallID  string
	Args    map[string]any
	Waiter  *correlate.Waiter
	Timeout time.Duration
	Err     error
}

// Config carries the dispatcher's tunables.
type Config struct {
	CallTimeout     time.Duration
	ExecTimeout     time.Duration
	ToolResultLimit int
}

// Dispatcher executes tool call batches for task control goroutines.
type Dispatcher struct {
	store      *task.Store
	channels   *channel.Registry
	correlator *correlate.Registry
	engine     *filecache.Engine
	metrics    *observability.Metrics
	logger     logging.Logger
	cfg        Config
	registry   map[string]Spec
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(store *task.Store, channels *channel.Registry, correlator *correlate.Registry, engine *filecache.Engine, metrics *observability.Metrics, cfg Config, logger logging.Logger) *Dispatcher {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 120 * time.Second
	}
	d := &Dispatcher{
		store:      store,
		channels:   channels,
		correlator: correlator,
		engine:     engine,
		metrics:    metrics,
		logger:     logging.OrNop(logger),
		cfg:        cfg,
	}
	d.registry = d.buildRegistry()
	return d
}

// KnownTools returns the names in the tool registry.
func (d *Dispatcher) KnownTools() []string {
	out := make([]string, 0, len(d.registry))
	for name := range d.registry {
		out = append(out, name)
	}
	return out
}

// ExecuteBatch runs tool calls in order. Local tools run inline and the
// batch continues; the first remote call or user question stops the batch
// with a waiter for the control goroutine to suspend on. Unauthorized,
// duplicate, and failed calls become history entries and the batch moves
// on.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, t *task.Task, calls []agent.ToolCall) Outcome {
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: Fatal, Err: err}
		}

		if !t.IsAllowed(call.Tool) {
			d.logger.Warn("task %s: unauthorized tool %q", t.ID, call.Tool)
			d.appendResult(t, call.Tool, nil, fmt.Sprintf("tool %q is not allowed for this task; allowed tools: %v", call.Tool, t.AllowedTools()))
			continue
		}

		spec, ok := d.registry[call.Tool]
		if !ok {
			d.appendResult(t, call.Tool, nil, fmt.Sprintf("tool %q does not exist", call.Tool))
			continue
		}

		hash := task.FingerprintCall(call.Tool, call.Arguments)
		if count := t.RecordCall(call.Tool, hash); count >= duplicateLimit {
			d.logger.Warn("task %s: duplicate call throttled: %s (%d in window)", t.ID, call.Tool, count)
			d.appendResult(t, call.Tool, nil, fmt.Sprintf("this exact %q call was already made %d times in a row; do not repeat it, use the previous result or try a different approach", call.Tool, count-1))
			continue
		}

		switch spec.Class {
		case ClassLocal:
			result, err := spec.Handler(ctx, t, call.Arguments)
			if err != nil {
				d.appendResult(t, call.Tool, nil, err.Error())
				continue
			}
			d.appendResult(t, call.Tool, result, "")

		case ClassRemote:
			outcome := d.dispatchRemote(t, spec, call)
			if outcome != nil {
				return *outcome
			}

		case ClassAskUser:
			outcome := d.dispatchAskUser(t, call)
			if outcome != nil {
				return *outcome
			}
		}
	}
	return Outcome{Kind: Done}
}

// dispatchRemote sends a command_call and suspends the batch. A nil return
// means the call could not be dispatched but the batch may continue.
func (d *Dispatcher) dispatchRemote(t *task.Task, spec Spec, call agent.ToolCall) *Outcome {
	args := call.Arguments
	if spec.Prepare != nil {
		prepared, err := spec.Prepare(t, args)
		if err != nil {
			d.appendResult(t, call.Tool, nil, err.Error())
			return nil
		}
		args = prepared
	}
	if args == nil {
		args = map[string]any{}
	}

	callID := "call-" + uuid.NewString()
	waiter := d.correlator.Register(t.ID, callID)
	if err := d.store.SetPending(t.ID, callID, call.Tool); err != nil {
		d.correlator.Cancel(t.ID, callID, correlate.ErrCancelled)
		return &Outcome{Kind: Fatal, Tool: call.Tool, Err: fmt.Errorf("mark pending: %w", err)}
	}

	frame := protocol.NewCommandCall(t.ID, callID, spec.Command, args)
	if !d.send(t.ClientID, frame) {
		d.correlator.Cancel(t.ID, callID, correlate.ErrCancelled)
		if !d.channels.IsConnected(t.ClientID) {
			return &Outcome{Kind: Fatal, Tool: call.Tool, Err: fmt.Errorf("client %q is disconnected", t.ClientID)}
		}
		// Queue full: recoverable, surface as a tool failure.
		if err := d.store.ClearPending(t.ID); err != nil {
			d.logger.Warn("task %s: clear pending after send failure: %v", t.ID, err)
		}
		d.appendResult(t, call.Tool, nil, fmt.Sprintf("could not send %q to client %q: outbound queue full", spec.Command, t.ClientID))
		return nil
	}

	timeout := d.cfg.CallTimeout
	if spec.Exec {
		timeout = d.cfg.ExecTimeout
	}
	d.logger.Info("task %s: dispatched %s as %s (call %s, timeout %s)", t.ID, call.Tool, spec.Command, callID, timeout)
	return &Outcome{Kind: WaitingForCommand, Tool: call.Tool, CallID: callID, Args: args, Waiter: waiter, Timeout: timeout}
}

// dispatchAskUser validates the question and suspends the batch on a
// user_question frame. A nil return means the question was rejected and
// the batch continues.
func (d *Dispatcher) dispatchAskUser(t *task.Task, call agent.ToolCall) *Outcome {
	question, _ := call.Arguments["question"].(string)
	if err := ValidateQuestion(question); err != nil {
		d.logger.Warn("task %s: ask_user rejected: %v", t.ID, err)
		d.appendResult(t, call.Tool, nil, err.Error())
		return nil
	}

	callID := "call-" + uuid.NewString()
	waiter := d.correlator.Register(t.ID, callID)
	if err := d.store.SetPending(t.ID, callID, "ask_user"); err != nil {
		d.correlator.Cancel(t.ID, callID, correlate.ErrCancelled)
		return &Outcome{Kind: Fatal, Tool: call.Tool, Err: fmt.Errorf("mark pending: %w", err)}
	}

	if !d.send(t.ClientID, protocol.NewUserQuestion(t.ID, callID, question)) {
		d.correlator.Cancel(t.ID, callID, correlate.ErrCancelled)
		if !d.channels.IsConnected(t.ClientID) {
			return &Outcome{Kind: Fatal, Tool: call.Tool, Err: fmt.Errorf("client %q is disconnected", t.ClientID)}
		}
		if err := d.store.ClearPending(t.ID); err != nil {
			d.logger.Warn("task %s: clear pending after send failure: %v", t.ID, err)
		}
		d.appendResult(t, call.Tool, nil, "could not deliver the question: outbound queue full")
		return nil
	}

	// User answers have no deadline; the exec timeout is generous enough
	// that the graph applies no timeout at all for this kind.
	return &Outcome{Kind: WaitingForUser, Tool: call.Tool, CallID: callID, Waiter: waiter}
}

// send enqueues a frame for the client and keeps the outbound traffic
// accounting in step with the control graph's sends.
func (d *Dispatcher) send(clientID string, frame any) bool {
	if !d.channels.Send(clientID, frame) {
		d.metrics.RecordSendFailure()
		return false
	}
	d.metrics.RecordFrameOut(protocol.FrameType(frame))
	return true
}

func (d *Dispatcher) appendResult(t *task.Task, tool string, result any, errMsg string) {
	turn := task.FormatToolResult(tool, result, errMsg, d.cfg.ToolResultLimit)
	if err := d.store.AppendHistory(t.ID, turn); err != nil {
		d.logger.Warn("task %s: append %s result: %v", t.ID, tool, err)
	}
}
