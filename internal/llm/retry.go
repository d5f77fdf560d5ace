package llm

import (
	"context"
	"fmt"
	"time"

	conderrors "conductor/internal/errors"
	"conductor/internal/logging"
)

var _ Client = (*retryClient)(nil)

// retryClient wraps a Client with transient-failure retry.
type retryClient struct {
	underlying Client
	config     conderrors.RetryConfig
	logger     logging.Logger
}

// NewRetryClient wraps client so transient backend failures (network drops,
// 429/5xx) are retried with backoff. Permanent failures pass through
// immediately with a model-facing message.
func NewRetryClient(client Client, config conderrors.RetryConfig) Client {
	return &retryClient{
		underlying: client,
		config:     config,
		logger:     logging.NewComponentLogger("llm-retry"),
	}
}

func (c *retryClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	resp, err := conderrors.RetryWithResult(ctx, c.config, c.logger, func(ctx context.Context) (*CompletionResponse, error) {
		return c.underlying.Complete(ctx, req)
	})
	if err != nil {
		c.logger.Warn("completion failed after retries (took %v): %v", time.Since(start), err)
		return nil, fmt.Errorf("%s", conderrors.FormatForLLM(err))
	}
	return resp, nil
}

func (c *retryClient) Model() string {
	return c.underlying.Model()
}
