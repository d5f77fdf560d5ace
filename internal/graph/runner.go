// Package graph drives each task through its plan/execute/act state
// machine. One control goroutine per task; all suspension happens on
// remote-call waiters.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conductor/internal/agent"
	"conductor/internal/channel"
	"conductor/internal/config"
	"conductor/internal/correlate"
	"conductor/internal/dispatch"
	"conductor/internal/logging"
	"conductor/internal/observability"
	"conductor/internal/protocol"
	"conductor/internal/task"
)

// ErrTransportDisconnected cancels waiters when the owning client drops.
var ErrTransportDisconnected = errors.New("client transport disconnected")

// userAnswerTimeout bounds the wait for a user reply. Users are slow;
// remote commands are not, so this is deliberately huge.
const userAnswerTimeout = 24 * time.Hour

// Config carries the runner's tunables.
type Config struct {
	MaxSteps        int
	ToolResultLimit int
	Profiles        map[string]config.TaskProfile
}

// Runner owns the task control goroutines and the frame-level operations
// the server routes to it.
type Runner struct {
	store      *task.Store
	channels   *channel.Registry
	correlator *correlate.Registry
	dispatcher *dispatch.Dispatcher
	planner    agent.Planner
	executor   agent.Executor
	metrics    *observability.Metrics
	logger     logging.Logger
	cfg        Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner wires the control graph to its collaborators.
func NewRunner(store *task.Store, channels *channel.Registry, correlator *correlate.Registry, dispatcher *dispatch.Dispatcher, planner agent.Planner, executor agent.Executor, metrics *observability.Metrics, cfg Config, logger logging.Logger) *Runner {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = config.DefaultMaxSteps
	}
	if cfg.ToolResultLimit <= 0 {
		cfg.ToolResultLimit = config.DefaultToolResultLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:      store,
		channels:   channels,
		correlator: correlator,
		dispatcher: dispatcher,
		planner:    planner,
		executor:   executor,
		metrics:    metrics,
		logger:     logging.OrNop(logger),
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Shutdown stops accepting work and waits for running control goroutines.
func (r *Runner) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

// CreateTask registers a task from a create_task frame and starts its
// control goroutine. requesterID is the connection the frame arrived on;
// the execution target may be a different client.
func (r *Runner) CreateTask(req protocol.CreateTask, requesterID string) (string, error) {
	profile, ok := r.cfg.Profiles[req.TaskKind]
	if !ok {
		return "", fmt.Errorf("unknown task kind %q", req.TaskKind)
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = requesterID
	}
	allowed := req.AllowedTools
	if len(allowed) == 0 {
		allowed = profile.AllowedTools
	}

	prompt := profile.SystemPrompt + "\n\nTask:\n" + req.Prompt
	t := r.store.Create(req.TaskKind, clientID, prompt, allowed)
	for k, v := range req.Context {
		t.Context[k] = v
	}

	r.send(requesterID, protocol.NewTaskCreated(req.RequestID, t.ID, string(task.StatusQueued)))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(t)
	}()
	return t.ID, nil
}

// HandleCommandResult routes a command_result frame to its waiter. Unknown
// or late results are dropped by the correlator.
func (r *Runner) HandleCommandResult(frame protocol.CommandResult) {
	r.correlator.Resolve(frame.TaskID, frame.CallID, correlate.Result{
		OK:      frame.OK,
		Payload: frame.Result,
		Err:     frame.Error,
	})
}

// HandleUserAnswer routes a user_answer frame to its waiter. Answers share
// the waiter keyspace with command results, so a client replying to a
// user_question with a command_result frame works the same way.
func (r *Runner) HandleUserAnswer(frame protocol.UserAnswer) {
	r.correlator.Resolve(frame.TaskID, frame.CallID, correlate.Result{
		OK:      true,
		Payload: frame.Answer,
	})
}

// CancelTask cancels a task. The store flips it to cancelled, outstanding
// waiters are woken, and the control goroutine observes the terminal state
// when it resumes.
func (r *Runner) CancelTask(taskID string) error {
	t, err := r.store.Get(taskID)
	if err != nil {
		return err
	}
	if err := r.store.Cancel(taskID); err != nil {
		return err
	}
	r.correlator.CancelTask(taskID, correlate.ErrCancelled)
	r.send(t.ClientID, protocol.NewTaskUpdate(taskID, string(task.StatusCancelled)))
	r.logger.Info("task %s cancelled", taskID)
	return nil
}

// HandleDisconnect fails every active task owned by clientID and wakes
// their waiters. Installed as the channel registry's disconnect hook.
func (r *Runner) HandleDisconnect(clientID string) {
	for _, t := range r.store.ListByClient(clientID) {
		if !t.Status().Active() {
			continue
		}
		if err := r.store.Fail(t.ID, ErrTransportDisconnected.Error()); err != nil {
			continue
		}
		// The control goroutine observes the failure when its waiter wakes
		// or on its next loop check; it records the terminal metrics.
		r.correlator.CancelTask(t.ID, ErrTransportDisconnected)
		r.logger.Warn("task %s failed: client %q disconnected", t.ID, clientID)
	}
}

// run is the per-task control goroutine: ensure a plan, then loop
// decide-next / act until a terminal state or the step budget runs out.
func (r *Runner) run(t *task.Task) {
	r.metrics.RecordTaskStarted()

	if err := r.store.SetStatus(t.ID, task.StatusRunning); err != nil {
		r.metrics.RecordTaskFinished(string(t.Status()))
		return
	}
	r.send(t.ClientID, protocol.NewTaskUpdate(t.ID, string(task.StatusRunning)))

	plan, err := r.makePlan(t)
	if err != nil {
		r.fail(t, fmt.Sprintf("planning failed: %v", err))
		return
	}

	for step := 1; step <= r.cfg.MaxSteps; step++ {
		if r.finished(t) {
			return
		}

		next, err := r.executor.NextStep(r.ctx, agent.StepInput{
			Prompt:  t.Prompt,
			Plan:    plan,
			Tools:   t.AllowedTools(),
			History: t.History(),
		})
		if err != nil {
			if errors.Is(err, agent.ErrReplan) {
				r.metrics.RecordModelAttempt("executor", "replan")
				r.appendTurn(t, task.Turn{Role: task.RoleUser, Content: fmt.Sprintf("[SYSTEM] Execution could not settle on a next step (%v). The plan was revised; continue from the current state.", err)})
				plan, err = r.makePlan(t)
				if err != nil {
					r.fail(t, fmt.Sprintf("re-planning failed: %v", err))
					return
				}
				continue
			}
			r.metrics.RecordModelAttempt("executor", "error")
			r.appendTurn(t, task.Turn{Role: task.RoleUser, Content: fmt.Sprintf("[SYSTEM] Your previous output was invalid: %v. Reply with a single valid step object.", err)})
			if _, capped := r.store.RecordError(t.ID); capped {
				r.fail(t, fmt.Sprintf("too many consecutive invalid steps: %v", err))
				return
			}
			continue
		}
		r.metrics.RecordModelAttempt("executor", "ok")
		r.store.ResetErrors(t.ID)
		r.appendStep(t, next)

		switch next.Status {
		case agent.StepComplete:
			r.complete(t, next.FinalMessage)
			return

		case agent.StepNeedUser:
			calls := []agent.ToolCall{{Tool: "ask_user", Arguments: map[string]any{"question": next.UserQuestion}}}
			if !r.act(t, calls) {
				return
			}

		case agent.StepContinue:
			if !r.act(t, next.ToolCalls) {
				return
			}
		}
	}

	r.fail(t, fmt.Sprintf("step budget exhausted after %d steps", r.cfg.MaxSteps))
}

// makePlan runs the planner and records the plan summary in history.
func (r *Runner) makePlan(t *task.Task) (*agent.Plan, error) {
	plan, err := r.planner.Plan(r.ctx, agent.PlanInput{Prompt: t.Prompt, Tools: t.AllowedTools()})
	if err != nil {
		r.metrics.RecordModelAttempt("planner", "error")
		return nil, err
	}
	r.metrics.RecordModelAttempt("planner", "ok")
	r.appendTurn(t, task.Turn{Role: task.RoleAssistant, Content: "Plan:\n" + plan.Summary()})
	return plan, nil
}

// act dispatches a batch and, when the batch suspends, blocks on the waiter
// and folds the result into history. Returns false when the task reached a
// terminal state and the loop must stop.
func (r *Runner) act(t *task.Task, calls []agent.ToolCall) bool {
	outcome := r.dispatcher.ExecuteBatch(r.ctx, t, calls)

	switch outcome.Kind {
	case dispatch.Done:
		return true

	case dispatch.Fatal:
		r.fail(t, fmt.Sprintf("dispatch failed: %v", outcome.Err))
		return false

	case dispatch.WaitingForCommand:
		return r.awaitCommand(t, outcome)

	case dispatch.WaitingForUser:
		return r.awaitAnswer(t, outcome)
	}
	return true
}

// awaitCommand suspends on a remote call waiter and appends the outcome.
func (r *Runner) awaitCommand(t *task.Task, outcome dispatch.Outcome) bool {
	started := time.Now()
	result, err := outcome.Waiter.Await(r.ctx, outcome.Timeout)
	if err != nil {
		return r.handleWaitError(t, outcome, err)
	}
	r.metrics.ObserveRemoteCall(outcome.Tool, time.Since(started).Seconds())

	if err := r.store.ClearPending(t.ID); err != nil {
		// Terminal while we slept, e.g. cancelled; nothing more to do.
		r.observeTerminal(t)
		return false
	}

	if result.OK {
		r.appendTurn(t, task.FormatToolResult(outcome.Tool, result.Payload, "", r.cfg.ToolResultLimit))
		if outcome.Tool == "fs_read" {
			r.cacheReadResult(t, outcome.Args, result.Payload)
		}
	} else {
		r.appendTurn(t, task.FormatToolResult(outcome.Tool, nil, result.Err, r.cfg.ToolResultLimit))
	}
	return true
}

// awaitAnswer suspends on a user question waiter.
func (r *Runner) awaitAnswer(t *task.Task, outcome dispatch.Outcome) bool {
	result, err := outcome.Waiter.Await(r.ctx, userAnswerTimeout)
	if err != nil {
		return r.handleWaitError(t, outcome, err)
	}

	if err := r.store.ClearPending(t.ID); err != nil {
		r.observeTerminal(t)
		return false
	}
	answer, _ := result.Payload.(string)
	r.appendTurn(t, task.Turn{Role: task.RoleUser, Content: fmt.Sprintf("[SYSTEM] The user answered your question:\n%s", answer)})
	return true
}

// handleWaitError sorts out why a waiter woke without a result: timeout
// (recoverable), cancellation, disconnect, or shutdown.
func (r *Runner) handleWaitError(t *task.Task, outcome dispatch.Outcome, err error) bool {
	switch {
	case errors.Is(err, correlate.ErrTimeout):
		r.metrics.RecordWaiterTimeout()
		if clearErr := r.store.ClearPending(t.ID); clearErr != nil {
			r.observeTerminal(t)
			return false
		}
		r.appendTurn(t, task.FormatToolResult(outcome.Tool, nil, fmt.Sprintf("no result from the client within %s; the client may be busy or the call may be stuck", outcome.Timeout), r.cfg.ToolResultLimit))
		return true

	case errors.Is(err, ErrTransportDisconnected):
		// HandleDisconnect already failed the task.
		r.observeTerminal(t)
		return false

	case errors.Is(err, correlate.ErrCancelled), errors.Is(err, context.Canceled):
		if t.Status() == task.StatusCancelled {
			r.observeTerminal(t)
			return false
		}
		r.fail(t, fmt.Sprintf("remote call %s aborted: %v", outcome.CallID, err))
		return false

	default:
		r.fail(t, fmt.Sprintf("remote call %s aborted: %v", outcome.CallID, err))
		return false
	}
}

// cacheReadResult stores a successful fs_read payload in the task cache so
// later patch/diff/check calls can work server-side.
func (r *Runner) cacheReadResult(t *task.Task, args map[string]any, payload any) {
	path, _ := args["path"].(string)
	if path == "" {
		return
	}
	switch v := payload.(type) {
	case string:
		t.Files().PutFromRead(path, v)
	case map[string]any:
		if content, ok := v["content"].(string); ok {
			t.Files().PutFromRead(path, content)
		}
	}
}

// appendStep records the executor's own output as an assistant turn.
func (r *Runner) appendStep(t *task.Task, step *agent.ExecutorStep) {
	var content string
	switch step.Status {
	case agent.StepComplete:
		content = "Final: " + step.FinalMessage
	case agent.StepNeedUser:
		content = "Question for the user: " + step.UserQuestion
	default:
		names := make([]string, 0, len(step.ToolCalls))
		for _, call := range step.ToolCalls {
			names = append(names, call.Tool)
		}
		content = fmt.Sprintf("Next: %v", names)
		if step.Note != "" {
			content += " — " + step.Note
		}
	}
	r.appendTurn(t, task.Turn{Role: task.RoleAssistant, Content: content})
}

func (r *Runner) appendTurn(t *task.Task, turn task.Turn) {
	if err := r.store.AppendHistory(t.ID, turn); err != nil {
		r.logger.Debug("task %s: history append dropped: %v", t.ID, err)
	}
}

// finished reports and records a terminal state reached while the loop was
// elsewhere (cancellation, disconnect failure).
func (r *Runner) finished(t *task.Task) bool {
	if t.Status().Active() {
		return false
	}
	r.observeTerminal(t)
	return true
}

func (r *Runner) observeTerminal(t *task.Task) {
	r.metrics.RecordTaskFinished(string(t.Status()))
	r.logger.Info("task %s finished as %s", t.ID, t.Status())
}

func (r *Runner) complete(t *task.Task, result string) {
	if err := r.store.Complete(t.ID, result); err != nil {
		r.observeTerminal(t)
		return
	}
	r.send(t.ClientID, protocol.NewTaskCompleted(t.ID, result))
	r.observeTerminal(t)
}

func (r *Runner) fail(t *task.Task, reason string) {
	if err := r.store.Fail(t.ID, reason); err != nil {
		r.observeTerminal(t)
		return
	}
	r.send(t.ClientID, protocol.NewTaskFailed(t.ID, reason))
	r.correlator.CancelTask(t.ID, correlate.ErrCancelled)
	r.observeTerminal(t)
}

func (r *Runner) send(clientID string, frame any) {
	if r.channels.Send(clientID, frame) {
		r.metrics.RecordFrameOut(protocol.FrameType(frame))
	} else {
		r.metrics.RecordSendFailure()
	}
}
