package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/agent"
	"conductor/internal/channel"
	"conductor/internal/correlate"
	"conductor/internal/filecache"
	"conductor/internal/logging"
	"conductor/internal/observability"
	"conductor/internal/task"
)

// recorderConn captures frames written by the channel write pump.
type recorderConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *recorderConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *recorderConn) Close() error { return nil }

func (c *recorderConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *recorderConn) frame(i int) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out map[string]any
	_ = json.Unmarshal(c.frames[i], &out)
	return out
}

type fixture struct {
	store      *task.Store
	channels   *channel.Registry
	correlator *correlate.Registry
	dispatcher *Dispatcher
	conn       *recorderConn
	task       *task.Task
	registry   *prometheus.Registry
}

func newFixture(t *testing.T, allowedTools ...string) *fixture {
	t.Helper()
	store := task.NewStore(3, logging.Nop())
	channels := channel.NewRegistry(16, logging.Nop())
	correlator := correlate.NewRegistry(logging.Nop())
	engine := filecache.NewEngine("", logging.Nop())
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetricsWithRegisterer(registry)
	dispatcher := NewDispatcher(store, channels, correlator, engine, metrics, Config{
		CallTimeout:     time.Second,
		ExecTimeout:     2 * time.Second,
		ToolResultLimit: 100_000,
	}, logging.Nop())

	conn := &recorderConn{}
	channels.Connect("client-1", conn)
	tk := store.Create("code_job", "client-1", "do the thing", allowedTools)
	require.NoError(t, store.SetStatus(tk.ID, task.StatusRunning))

	return &fixture{store: store, channels: channels, correlator: correlator, dispatcher: dispatcher, conn: conn, task: tk, registry: registry}
}

// framesOut reads the outbound frame counter for one frame type from the
// fixture's registry.
func (f *fixture) framesOut(t *testing.T, frameType string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "conductor_channel_frames_out_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "type" && label.GetValue() == frameType {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func lastTurn(t *testing.T, tk *task.Task) task.Turn {
	t.Helper()
	history := tk.History()
	require.NotEmpty(t, history)
	return history[len(history)-1]
}

func TestUnauthorizedToolSkipsAndContinues(t *testing.T) {
	f := newFixture(t, "read_cached")

	out := f.dispatcher.ExecuteBatch(context.Background(), f.task, []agent.ToolCall{
		{Tool: "shell_exec", Arguments: map[string]any{"command": "rm -rf /"}},
	})
	assert.Equal(t, Done, out.Kind)
	assert.Contains(t, lastTurn(t, f.task).Content, "not allowed")
	assert.Equal(t, 0, f.conn.count())
}

func TestUnknownToolBecomesHistoryEntry(t *testing.T) {
	f := newFixture(t, "teleport")

	out := f.dispatcher.ExecuteBatch(context.Background(), f.task, []agent.ToolCall{
		{Tool: "teleport", Arguments: nil},
	})
	assert.Equal(t, Done, out.Kind)
	assert.Contains(t, lastTurn(t, f.task).Content, "does not exist")
}

func TestLocalCacheRoundTrip(t *testing.T) {
	f := newFixture(t, "write_cached", "read_cached", "patch_cached", "diff_cached")

	out := f.dispatcher.ExecuteBatch(context.Background(), f.task, []agent.ToolCall{
		{Tool: "write_cached", Arguments: map[string]any{"path": "main.lua", "content": "print('v1')\n"}},
		{Tool: "patch_cached", Arguments: map[string]any{
			"path": "main.lua", "format": "replace_regex", "patch": "v1|||v2",
		}},
		{Tool: "read_cached", Arguments: map[string]any{"path": "main.lua"}},
	})
	require.Equal(t, Done, out.Kind)

	content, ok := f.task.Files().Get("main.lua")
	require.True(t, ok)
	assert.Equal(t, "print('v2')\n", content)
	assert.Contains(t, lastTurn(t, f.task).Content, "succeeded")
}

func TestDuplicateCallThrottledOnThirdRepeat(t *testing.T) {
	f := newFixture(t, "read_cached")
	f.task.Files().PutFromRead("main.lua", "content")
	call := agent.ToolCall{Tool: "read_cached", Arguments: map[string]any{"path": "main.lua"}}

	for i := 0; i < 2; i++ {
		out := f.dispatcher.ExecuteBatch(context.Background(), f.task, []agent.ToolCall{call})
		require.Equal(t, Done, out.Kind)
		assert.Contains(t, lastTurn(t, f.task).Content, "succeeded")
	}

	out := f.dispatcher.ExecuteBatch(context.Background(), f.task, []agent.ToolCall{call})
	require.Equal(t, Done, out.Kind)
	assert.Contains(t, lastTurn(t, f.task).Content, "already made")
}

func TestRemoteDispatchSuspendsOnWaiter(t *testing.T) {
	f := newFixture(t, "fs_read")

	out := f.dispatcher.ExecuteBatch(context.Background(), f.task, []agent.ToolCall{
		{Tool: "fs_read", Arguments: map[string]any{"path": "main.lua"}},
	})
	require.Equal(t, WaitingForCommand, out.Kind)
	require.NotNil(t, out.Waiter)
	assert.Equal(t, time.Second, out.Timeout)
	assert.Equal(t, task.StatusWaitingForCommand, f.task.Status())

	require.Eventually(t, func() bool { return f.conn.count() == 1 }, time.Second, 5*time.Millisecond)
	frame := f.conn.frame(0)
	assert.Equal(t, "command_call", frame["type"])
	assert.Equal(t, "fs_read", frame["command"])
	assert.Equal(t, out.CallID, frame["call_id"])

	resolved := f.correlator.Resolve(f.task.ID, out.CallID, correlate.Result{OK: true, Payload: "file body"})
	require.True(t, resolved)
	res, err := out.Waiter.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "file body", res.Payload)
}

func TestDispatchedFramesCounted(t *testing.T) {
	f := newFixture(t, "send_status", "fs_read")

	out := f.dispatcher.ExecuteBatch(context.Background(), f.task, []agent.ToolCall{
		{Tool: "send_status", Arguments: map[string]any{"message": "reading the script"}},
		{Tool: "fs_read", Arguments: map[string]any{"path": "main.lua"}},
	})
	require.Equal(t, WaitingForCommand, out.Kind)

	assert.EqualValues(t, 1, f.framesOut(t, "status_update"))
	assert.EqualValues(t, 1, f.framesOut(t, "command_call"))
}

func TestExecToolGetsLongTimeout(t *testing.T) {
	f := newFixture(t, "run_program")

	out := f.dispatcher.ExecuteBatch(context.Background(), f.task, []agent.ToolCall{
		{Tool: "run_program", Arguments: map[string]any{"path": "main.lua"}},
	})
	require.Equal(t, WaitingForCommand, out.Kind)
	assert.Equal(t, 2*time.Second, out.Timeout)
}

func TestCacheFlushSendsContent(t *testing.T) {
	f := newFixture(t, "fs_write_cached")
	f.task.Files().Set("main.lua", "print('hello')\n")

	out := f.dispatcher.ExecuteBatch(context.Background(), f.task, []agent.ToolCall{
		{Tool: "fs_write_cached", Arguments: map[string]any{"path": "main.lua"}},
	})
	require.Equal(t, WaitingForCommand, out.Kind)

	require.Eventually(t, func() bool { return f.conn.count() == 1 }, time.Second, 5*time.Millisecond)
	frame := f.conn.frame(0)
	assert.Equal(t, "fs_write", frame["command"])
	args := frame["args"].(map[string]any)
	assert.Equal(t, "print('hello')\n", args["content"])
}

func TestCacheFlushUncachedPathFails(t *testing.T) {
	f := newFixture(t, "fs_write_cached")

	out := f.dispatcher.ExecuteBatch(context.Background(), f.task, []agent.ToolCall{
		{Tool: "fs_write_cached", Arguments: map[string]any{"path": "ghost.lua"}},
	})
	assert.Equal(t, Done, out.Kind)
	assert.Contains(t, lastTurn(t, f.task).Content, "nothing to flush")
	assert.Equal(t, 0, f.conn.count())
}

func TestAskUserForbiddenPhrasingRejected(t *testing.T) {
	f := newFixture(t, "ask_user")

	out := f.dispatcher.ExecuteBatch(context.Background(), f.task, []agent.ToolCall{
		{Tool: "ask_user", Arguments: map[string]any{"question": "Please provide the content of the file."}},
	})
	assert.Equal(t, Done, out.Kind)
	assert.Contains(t, lastTurn(t, f.task).Content, "forbidden phrase")
	assert.Equal(t, 0, f.conn.count())
	assert.Equal(t, task.StatusRunning, f.task.Status())
}

func TestAskUserValidQuestionSuspends(t *testing.T) {
	f := newFixture(t, "ask_user")

	out := f.dispatcher.ExecuteBatch(context.Background(), f.task, []agent.ToolCall{
		{Tool: "ask_user", Arguments: map[string]any{"question": "Should the script overwrite existing files?"}},
	})
	require.Equal(t, WaitingForUser, out.Kind)
	require.NotNil(t, out.Waiter)
	assert.Equal(t, task.StatusWaitingForUser, f.task.Status())

	require.Eventually(t, func() bool { return f.conn.count() == 1 }, time.Second, 5*time.Millisecond)
	frame := f.conn.frame(0)
	assert.Equal(t, "user_question", frame["type"])
	assert.Equal(t, "Should the script overwrite existing files?", frame["question"])
	assert.EqualValues(t, 1, f.framesOut(t, "user_question"))
}

func TestDisconnectedClientIsFatal(t *testing.T) {
	f := newFixture(t, "fs_read")
	f.channels.Disconnect("client-1")

	out := f.dispatcher.ExecuteBatch(context.Background(), f.task, []agent.ToolCall{
		{Tool: "fs_read", Arguments: map[string]any{"path": "main.lua"}},
	})
	require.Equal(t, Fatal, out.Kind)
	assert.Contains(t, out.Err.Error(), "disconnected")
}

func TestValidateQuestion(t *testing.T) {
	assert.Error(t, ValidateQuestion(""))
	assert.Error(t, ValidateQuestion("What code should I write here?"))
	assert.Error(t, ValidateQuestion("Could you WRITE THE CONTENT for me?"))
	assert.NoError(t, ValidateQuestion("Should the output go to stdout or a file?"))
}
