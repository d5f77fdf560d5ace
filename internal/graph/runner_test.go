package graph

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/channel"
	"conductor/internal/config"
	"conductor/internal/correlate"
	"conductor/internal/dispatch"
	"conductor/internal/filecache"
	"conductor/internal/llm"
	"conductor/internal/logging"
	"conductor/internal/protocol"
	"conductor/internal/task"

	"conductor/internal/agent"
)

const testPlanJSON = `{"goal": "finish the job", "steps": [{"title": "do it"}]}`

// recorderConn captures frames the registry writes for a client.
type recorderConn struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (c *recorderConn) WriteMessage(_ int, data []byte) error {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	return nil
}

func (c *recorderConn) Close() error { return nil }

func (c *recorderConn) byType(frameType string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		if f["type"] == frameType {
			out = append(out, f)
		}
	}
	return out
}

type harness struct {
	t          *testing.T
	store      *task.Store
	channels   *channel.Registry
	correlator *correlate.Registry
	runner     *Runner
	planner    *llm.ScriptedClient
	executor   *llm.ScriptedClient
	conn       *recorderConn
}

func newHarness(t *testing.T, callTimeout time.Duration) *harness {
	t.Helper()
	store := task.NewStore(3, logging.Nop())
	channels := channel.NewRegistry(16, logging.Nop())
	correlator := correlate.NewRegistry(logging.Nop())
	engine := filecache.NewEngine("", logging.Nop())
	dispatcher := dispatch.NewDispatcher(store, channels, correlator, engine, nil, dispatch.Config{
		CallTimeout:     callTimeout,
		ExecTimeout:     2 * callTimeout,
		ToolResultLimit: 100_000,
	}, logging.Nop())

	plannerClient := llm.NewScripted("planner")
	executorClient := llm.NewScripted("executor")
	runner := NewRunner(store, channels, correlator, dispatcher,
		agent.NewModelPlanner(plannerClient, logging.Nop()),
		agent.NewModelExecutor(executorClient, logging.Nop(), 0, 0),
		nil,
		Config{
			MaxSteps:        20,
			ToolResultLimit: 100_000,
			Profiles: map[string]config.TaskProfile{
				"code_job": {
					SystemPrompt: "You operate a remote Lua workstation.",
					AllowedTools: []string{
						"fs_read", "fs_write", "write_and_run", "read_cached",
						"write_cached", "patch_cached", "ask_user", "send_status",
					},
				},
			},
		}, logging.Nop())
	t.Cleanup(runner.Shutdown)

	conn := &recorderConn{}
	channels.Connect("client-1", conn)

	return &harness{
		t: t, store: store, channels: channels, correlator: correlator,
		runner: runner, planner: plannerClient, executor: executorClient, conn: conn,
	}
}

func (h *harness) start(prompt string) string {
	h.t.Helper()
	h.planner.Append(testPlanJSON)
	taskID, err := h.runner.CreateTask(protocol.CreateTask{
		Type:      protocol.TypeCreateTask,
		RequestID: "req-1",
		TaskKind:  "code_job",
		Prompt:    prompt,
	}, "client-1")
	require.NoError(h.t, err)
	return taskID
}

func (h *harness) waitStatus(taskID string, want task.Status) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		tk, err := h.store.Get(taskID)
		return err == nil && tk.Status() == want
	}, 3*time.Second, 5*time.Millisecond, "task never reached %s", want)
}

func (h *harness) waitFrames(frameType string, n int) []map[string]any {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return len(h.conn.byType(frameType)) >= n
	}, 3*time.Second, 5*time.Millisecond, "never saw %d %s frame(s)", n, frameType)
	return h.conn.byType(frameType)
}

func (h *harness) resolveCommand(taskID string, frame map[string]any, ok bool, payload any, errMsg string) {
	h.runner.HandleCommandResult(protocol.CommandResult{
		Type:   protocol.TypeCommandResult,
		TaskID: taskID,
		CallID: frame["call_id"].(string),
		OK:     ok,
		Result: payload,
		Error:  errMsg,
	})
}

func taskHistory(t *testing.T, store *task.Store, taskID string) string {
	t.Helper()
	tk, err := store.Get(taskID)
	require.NoError(t, err)
	var all string
	for _, turn := range tk.History() {
		all += turn.Content + "\n"
	}
	return all
}

func TestReadAndSummarize(t *testing.T) {
	h := newHarness(t, time.Second)
	h.executor.Append(`{"status": "continue", "tool_calls": [{"tool": "fs_read", "arguments": {"path": "notes.txt"}}]}`)
	h.executor.Append(`{"status": "complete", "final_message": "The file holds two shopping items."}`)

	taskID := h.start("summarize notes.txt")

	calls := h.waitFrames("command_call", 1)
	assert.Equal(t, "fs_read", calls[0]["command"])
	h.resolveCommand(taskID, calls[0], true, "milk\neggs\n", "")

	h.waitStatus(taskID, task.StatusCompleted)
	completed := h.waitFrames("task_completed", 1)
	assert.Equal(t, "The file holds two shopping items.", completed[0]["result"])

	// The read landed in the task cache for later diff/patch work.
	tk, _ := h.store.Get(taskID)
	cached, ok := tk.Files().Get("notes.txt")
	require.True(t, ok)
	assert.Equal(t, "milk\neggs\n", cached)
}

func TestWriteThenRunFailureThenSuccess(t *testing.T) {
	h := newHarness(t, time.Second)
	h.executor.Append(`{"status": "continue", "tool_calls": [{"tool": "write_and_run", "arguments": {"path": "main.lua", "content": "print(x)"}}]}`)
	h.executor.Append(`{"status": "continue", "tool_calls": [{"tool": "write_and_run", "arguments": {"path": "main.lua", "content": "print('x')"}}]}`)
	h.executor.Append(`{"status": "complete", "final_message": "script runs clean"}`)

	taskID := h.start("write and run main.lua")

	calls := h.waitFrames("command_call", 1)
	h.resolveCommand(taskID, calls[0], false, nil, "lua: attempt to use undefined variable 'x'")

	calls = h.waitFrames("command_call", 2)
	h.resolveCommand(taskID, calls[1], true, "x", "")

	h.waitStatus(taskID, task.StatusCompleted)
	assert.Len(t, h.conn.byType("command_call"), 2)
	assert.Len(t, h.conn.byType("task_completed"), 1)
	assert.Contains(t, taskHistory(t, h.store, taskID), "failed with error")
}

func TestForbiddenUserQuestionNeverLeavesServer(t *testing.T) {
	h := newHarness(t, time.Second)
	h.executor.Append(`{"status": "need_user", "user_question": "Please provide the content for main.lua"}`)
	h.executor.Append(`{"status": "complete", "final_message": "decided the content myself"}`)

	taskID := h.start("create main.lua")

	h.waitStatus(taskID, task.StatusCompleted)
	assert.Empty(t, h.conn.byType("user_question"))
	assert.Contains(t, taskHistory(t, h.store, taskID), "forbidden phrase")
}

func TestUserQuestionRoundTrip(t *testing.T) {
	h := newHarness(t, time.Second)
	h.executor.Append(`{"status": "need_user", "user_question": "Should the script overwrite existing output files?"}`)
	h.executor.Append(`{"status": "complete", "final_message": "overwriting as requested"}`)

	taskID := h.start("generate report")

	questions := h.waitFrames("user_question", 1)
	h.waitStatus(taskID, task.StatusWaitingForUser)
	h.runner.HandleUserAnswer(protocol.UserAnswer{
		Type:   protocol.TypeUserAnswer,
		TaskID: taskID,
		CallID: questions[0]["call_id"].(string),
		Answer: "yes, overwrite",
	})

	h.waitStatus(taskID, task.StatusCompleted)
	assert.Contains(t, taskHistory(t, h.store, taskID), "yes, overwrite")
}

func TestDuplicateCallThrottledOnThirdRepeat(t *testing.T) {
	h := newHarness(t, time.Second)
	repeat := `{"status": "continue", "tool_calls": [{"tool": "fs_read", "arguments": {"path": "same.txt"}}]}`
	h.executor.Append(repeat)
	h.executor.Append(repeat)
	h.executor.Append(repeat)
	h.executor.Append(`{"status": "complete", "final_message": "stopped repeating"}`)

	taskID := h.start("read the file")

	calls := h.waitFrames("command_call", 1)
	h.resolveCommand(taskID, calls[0], true, "body", "")
	calls = h.waitFrames("command_call", 2)
	h.resolveCommand(taskID, calls[1], true, "body", "")

	h.waitStatus(taskID, task.StatusCompleted)
	// The third identical call was rejected before reaching the client.
	assert.Len(t, h.conn.byType("command_call"), 2)
	assert.Contains(t, taskHistory(t, h.store, taskID), "already made")
}

func TestRemoteTimeoutAppendsAndContinues(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	h.executor.Append(`{"status": "continue", "tool_calls": [{"tool": "fs_read", "arguments": {"path": "slow.txt"}}]}`)
	h.executor.Append(`{"status": "complete", "final_message": "gave up on the file"}`)

	taskID := h.start("read slow.txt")

	h.waitFrames("command_call", 1)
	// Never resolve; the waiter must time out and the task keep going.
	h.waitStatus(taskID, task.StatusCompleted)
	assert.Contains(t, taskHistory(t, h.store, taskID), "no result from the client")
}

func TestCancellationMidWait(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.executor.Append(`{"status": "continue", "tool_calls": [{"tool": "fs_read", "arguments": {"path": "big.txt"}}]}`)

	taskID := h.start("read big.txt")

	calls := h.waitFrames("command_call", 1)
	h.waitStatus(taskID, task.StatusWaitingForCommand)
	require.NoError(t, h.runner.CancelTask(taskID))
	h.waitStatus(taskID, task.StatusCancelled)

	// The late result finds no waiter and is dropped.
	h.resolveCommand(taskID, calls[0], true, "late body", "")
	time.Sleep(50 * time.Millisecond)

	tk, _ := h.store.Get(taskID)
	assert.Equal(t, task.StatusCancelled, tk.Status())
	assert.Empty(t, h.conn.byType("task_completed"))
	assert.Empty(t, h.conn.byType("task_failed"))

	updates := h.conn.byType("task_update")
	var sawCancelled bool
	for _, u := range updates {
		if u["status"] == "cancelled" {
			sawCancelled = true
		}
	}
	assert.True(t, sawCancelled)
}

func TestDisconnectFailsClientTasks(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.channels.SetDisconnectHook(h.runner.HandleDisconnect)
	h.executor.Append(`{"status": "continue", "tool_calls": [{"tool": "fs_read", "arguments": {"path": "a.txt"}}]}`)

	taskID := h.start("read a.txt")
	h.waitStatus(taskID, task.StatusWaitingForCommand)

	h.channels.Disconnect("client-1")
	h.waitStatus(taskID, task.StatusFailed)

	tk, _ := h.store.Get(taskID)
	assert.Contains(t, tk.Error, "disconnected")
}

func TestUnknownTaskKindRejected(t *testing.T) {
	h := newHarness(t, time.Second)
	_, err := h.runner.CreateTask(protocol.CreateTask{
		Type:     protocol.TypeCreateTask,
		TaskKind: "no_such_profile",
		Prompt:   "p",
	}, "client-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task kind")
}

func TestPlannerFailureFailsTask(t *testing.T) {
	h := newHarness(t, time.Second)
	// Two invalid planner replies exhaust the retry budget.
	h.planner.Append("not json at all")
	h.planner.Append("still not json")

	taskID, err := h.runner.CreateTask(protocol.CreateTask{
		Type:      protocol.TypeCreateTask,
		RequestID: "req-2",
		TaskKind:  "code_job",
		Prompt:    "p",
	}, "client-1")
	require.NoError(t, err)

	h.waitStatus(taskID, task.StatusFailed)
	failed := h.waitFrames("task_failed", 1)
	assert.Contains(t, failed[0]["error"], "planning failed")
}

func TestStepBudgetExhaustion(t *testing.T) {
	h := newHarness(t, time.Second)
	for i := 0; i < 25; i++ {
		h.executor.Append(`{"status": "continue", "tool_calls": [{"tool": "send_status", "arguments": {"message": "still working"}}]}`)
	}

	taskID := h.start("never finishes")
	h.waitStatus(taskID, task.StatusFailed)

	tk, _ := h.store.Get(taskID)
	assert.Contains(t, tk.Error, "step budget exhausted")
}
