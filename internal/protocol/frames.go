// Package protocol defines the JSON frames exchanged with clients over the
// persistent channel. Every frame carries exactly one "type" discriminator.
package protocol

// Inbound frame types.
const (
	TypeCreateTask    = "create_task"
	TypeCommandResult = "command_result"
	TypeUserAnswer    = "user_answer"
	TypeCancelTask    = "cancel_task"
	TypePing          = "ping"
)

// Outbound frame types.
const (
	TypeTaskCreated   = "task_created"
	TypeTaskUpdate    = "task_update"
	TypeStatusUpdate  = "status_update"
	TypeCommandCall   = "command_call"
	TypeUserQuestion  = "user_question"
	TypeTaskCompleted = "task_completed"
	TypeTaskFailed    = "task_failed"
	TypePong          = "pong"
	TypeError         = "error"
)

// CreateTask asks the orchestrator to start a new task. ClientID names the
// client that will execute remote calls; when empty the requester is the
// target.
type CreateTask struct {
	Type         string         `json:"type"`
	RequestID    string         `json:"request_id"`
	TaskKind     string         `json:"task_kind"`
	ClientID     string         `json:"client_id,omitempty"`
	Prompt       string         `json:"prompt"`
	Context      map[string]any `json:"context,omitempty"`
	AllowedTools []string       `json:"allowed_tools,omitempty"`
}

// CommandResult reports the outcome of a command_call back to the server.
type CommandResult struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	CallID string `json:"call_id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// UserAnswer delivers the user's reply to a user_question.
type UserAnswer struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	CallID string `json:"call_id"`
	Answer string `json:"answer"`
}

// CancelTask requests cancellation of a running task.
type CancelTask struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

// Ping is an application-level liveness probe.
type Ping struct {
	Type string `json:"type"`
}

// TaskCreated acknowledges a CreateTask to the requesting client.
type TaskCreated struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
}

// TaskUpdate notifies a client of a task status change.
type TaskUpdate struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// StatusUpdate carries a short human-readable progress message.
type StatusUpdate struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// CommandCall dispatches a remote tool invocation to the client.
type CommandCall struct {
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id"`
	CallID  string         `json:"call_id"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args"`
}

// UserQuestion asks the human behind the client for input.
type UserQuestion struct {
	Type     string `json:"type"`
	TaskID   string `json:"task_id"`
	CallID   string `json:"call_id"`
	Question string `json:"question"`
}

// TaskCompleted is the terminal success frame for a task.
type TaskCompleted struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	Result any    `json:"result,omitempty"`
}

// TaskFailed is the terminal failure frame for a task.
type TaskFailed struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// Pong answers a Ping.
type Pong struct {
	Type string `json:"type"`
}

// ErrorFrame reports a request-level failure outside any task.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewTaskCreated(requestID, taskID, status string) TaskCreated {
	return TaskCreated{Type: TypeTaskCreated, RequestID: requestID, TaskID: taskID, Status: status}
}

func NewTaskUpdate(taskID, status string) TaskUpdate {
	return TaskUpdate{Type: TypeTaskUpdate, TaskID: taskID, Status: status}
}

func NewStatusUpdate(taskID, message string) StatusUpdate {
	return StatusUpdate{Type: TypeStatusUpdate, TaskID: taskID, Message: message}
}

func NewCommandCall(taskID, callID, command string, args map[string]any) CommandCall {
	return CommandCall{Type: TypeCommandCall, TaskID: taskID, CallID: callID, Command: command, Args: args}
}

func NewUserQuestion(taskID, callID, question string) UserQuestion {
	return UserQuestion{Type: TypeUserQuestion, TaskID: taskID, CallID: callID, Question: question}
}

func NewTaskCompleted(taskID string, result any) TaskCompleted {
	return TaskCompleted{Type: TypeTaskCompleted, TaskID: taskID, Result: result}
}

func NewTaskFailed(taskID, errMsg string) TaskFailed {
	return TaskFailed{Type: TypeTaskFailed, TaskID: taskID, Error: errMsg}
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}

func NewError(message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message}
}

// FrameType returns the wire discriminator of an outbound frame so senders
// can account for traffic by type without re-marshalling.
func FrameType(frame any) string {
	switch f := frame.(type) {
	case TaskCreated:
		return f.Type
	case TaskUpdate:
		return f.Type
	case StatusUpdate:
		return f.Type
	case CommandCall:
		return f.Type
	case UserQuestion:
		return f.Type
	case TaskCompleted:
		return f.Type
	case TaskFailed:
		return f.Type
	case Pong:
		return f.Type
	case ErrorFrame:
		return f.Type
	default:
		return "unknown"
	}
}
