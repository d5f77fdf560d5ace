// Package config defines the runtime configuration surface for the
// orchestrator and the built-in task profiles.
package config

import "time"

const (
	DefaultListenAddr    = ":8765"
	DefaultLLMBaseURL    = "http://localhost:11434"
	DefaultPlannerModel  = "qwen2.5-coder:14b"
	DefaultExecutorModel = "qwen2.5-coder:7b"
	DefaultTemperature   = 0.2
	DefaultMaxTokens     = 32768
)

const (
	DefaultLLMTimeout           = 10 * time.Minute
	DefaultRemoteCallTimeout    = 30 * time.Second
	DefaultRemoteExecTimeout    = 120 * time.Second
	DefaultMaxConsecutiveErrors = 3
	DefaultMaxSteps             = 20
	DefaultOutboundQueueSize    = 64
	DefaultHistoryWindow        = 30
	DefaultHistoryTokenBudget   = 24000
	DefaultToolResultLimit      = 100_000
	DefaultCheckerCommand       = "luac -p"
)

// RuntimeConfig captures user-configurable settings shared across binaries.
// Durations are stored as integer seconds so the struct round-trips through
// YAML and environment variables without custom unmarshalling.
type RuntimeConfig struct {
	ListenAddr               string                 `json:"listen_addr" yaml:"listen_addr"`
	LLMBaseURL               string                 `json:"llm_base_url" yaml:"llm_base_url"`
	PlannerModel             string                 `json:"planner_model" yaml:"planner_model"`
	ExecutorModel            string                 `json:"executor_model" yaml:"executor_model"`
	Temperature              float64                `json:"temperature" yaml:"temperature"`
	MaxTokens                int                    `json:"max_tokens" yaml:"max_tokens"`
	LLMTimeoutSeconds        int                    `json:"llm_timeout_seconds" yaml:"llm_timeout_seconds"`
	RemoteCallTimeoutSeconds int                    `json:"remote_call_timeout_seconds" yaml:"remote_call_timeout_seconds"`
	RemoteExecTimeoutSeconds int                    `json:"remote_exec_timeout_seconds" yaml:"remote_exec_timeout_seconds"`
	MaxConsecutiveErrors     int                    `json:"max_consecutive_errors" yaml:"max_consecutive_errors"`
	MaxSteps                 int                    `json:"max_steps" yaml:"max_steps"`
	OutboundQueueSize        int                    `json:"outbound_queue_size" yaml:"outbound_queue_size"`
	HistoryWindow            int                    `json:"history_window" yaml:"history_window"`
	HistoryTokenBudget       int                    `json:"history_token_budget" yaml:"history_token_budget"`
	ToolResultLimit          int                    `json:"tool_result_limit" yaml:"tool_result_limit"`
	CheckerCommand           string                 `json:"checker_command" yaml:"checker_command"`
	Verbose                  bool                   `json:"verbose" yaml:"verbose"`
	Profiles                 map[string]TaskProfile `json:"profiles" yaml:"profiles"`
}

// TaskProfile binds a task kind to its system prompt and tool allowlist.
type TaskProfile struct {
	Description  string   `json:"description" yaml:"description"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt"`
	AllowedTools []string `json:"allowed_tools" yaml:"allowed_tools"`
}

// LLMTimeout returns the model request timeout as a duration.
func (c RuntimeConfig) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// RemoteCallTimeout returns the default remote call timeout as a duration.
func (c RuntimeConfig) RemoteCallTimeout() time.Duration {
	return time.Duration(c.RemoteCallTimeoutSeconds) * time.Second
}

// RemoteExecTimeout returns the timeout used for remote calls that run
// programs on the client, which legitimately take longer than plain I/O.
func (c RuntimeConfig) RemoteExecTimeout() time.Duration {
	return time.Duration(c.RemoteExecTimeoutSeconds) * time.Second
}

// Profile returns the named task profile.
func (c RuntimeConfig) Profile(kind string) (TaskProfile, bool) {
	p, ok := c.Profiles[kind]
	return p, ok
}
