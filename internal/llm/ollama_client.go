package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"conductor/internal/logging"
)

var _ Client = (*ollamaClient)(nil)

// ollamaClient implements chat completions against an Ollama server.
type ollamaClient struct {
	model      string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOllamaClient builds a client for one model. The base URL is normalized
// to end in /api so both "http://host:11434" and "http://host:11434/api"
// work.
func NewOllamaClient(model string, config Config) Client {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434/api"
	}
	if !strings.HasSuffix(baseURL, "/api") {
		baseURL = baseURL + "/api"
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	return &ollamaClient{
		model:   model,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logging.NewComponentLogger("ollama-client"),
	}
}

func (c *ollamaClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	payload, err := c.buildRequestPayload(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	c.logger.Debug("waiting for response from %s", c.model)

	resp, err := c.doRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var response ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", response.Error)
	}

	c.logger.Debug("response received from %s after %.1fs", c.model, time.Since(start).Seconds())
	return buildCompletionResponse(response), nil
}

func (c *ollamaClient) Model() string {
	return c.model
}

func (c *ollamaClient) buildRequestPayload(req CompletionRequest) ([]byte, error) {
	request := ollamaRequest{
		Model:    c.model,
		Messages: convertMessages(req.Messages),
		Stream:   false,
	}

	options := make(map[string]any)
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) > 0 {
		request.Options = options
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}
	return body, nil
}

func (c *ollamaClient) doRequest(ctx context.Context, body []byte) (*http.Response, error) {
	endpoint := fmt.Sprintf("%s/chat", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(httpReq)
}

func buildCompletionResponse(resp ollamaResponse) *CompletionResponse {
	stopReason := strings.TrimSpace(resp.DoneReason)
	if stopReason == "" {
		stopReason = "stop"
	}
	return &CompletionResponse{
		Content:    resp.Message.Content,
		StopReason: stopReason,
		Usage: TokenUsage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	Error           string  `json:"error"`
}

func convertMessages(msgs []Message) []Message {
	result := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		role := strings.TrimSpace(msg.Role)
		if role == "" || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		result = append(result, Message{Role: role, Content: msg.Content})
	}
	return result
}
