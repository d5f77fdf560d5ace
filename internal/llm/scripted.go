package llm

import (
	"context"
	"fmt"
	"sync"
)

var _ Client = (*ScriptedClient)(nil)

// ScriptedClient replays canned completions in order. Tests use it to drive
// the planner and executor deterministically without a model backend.
type ScriptedClient struct {
	mu        sync.Mutex
	model     string
	responses []string
	errs      []error
	next      int
	requests  []CompletionRequest
}

// NewScripted builds a client that returns the given responses one by one.
// When the script runs out, Complete fails.
func NewScripted(model string, responses ...string) *ScriptedClient {
	return &ScriptedClient{model: model, responses: responses, errs: make([]error, len(responses))}
}

// Append adds another scripted response.
func (c *ScriptedClient) Append(response string) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, response)
	c.errs = append(c.errs, nil)
	return c
}

// AppendError adds a scripted failure.
func (c *ScriptedClient) AppendError(err error) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, "")
	c.errs = append(c.errs, err)
	return c
}

func (c *ScriptedClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.next >= len(c.responses) {
		return nil, fmt.Errorf("scripted client exhausted after %d responses", len(c.responses))
	}
	i := c.next
	c.next++
	if c.errs[i] != nil {
		return nil, c.errs[i]
	}
	return &CompletionResponse{Content: c.responses[i], StopReason: "stop"}, nil
}

func (c *ScriptedClient) Model() string {
	return c.model
}

// Calls returns how many completions were requested.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Request returns the i-th recorded request.
func (c *ScriptedClient) Request(i int) CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}
