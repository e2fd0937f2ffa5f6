package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/Not-Diamond/go-ptufallback/pkg/logger"
	"github.com/Not-Diamond/go-ptufallback/pkg/model"
	"golang.org/x/time/rate"
)

const (
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 8 * time.Second
	// Server hints longer than this are ignored by the internal retry loop.
	maxRetryHint = 60 * time.Second
)

// Endpoint is one callable Azure OpenAI chat completion deployment family.
// It is immutable once built.
type Endpoint struct {
	name       string
	conn       model.Connection
	maxRetries int
	httpClient *http.Client
	limiter    *rate.Limiter
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithMaxRetries sets the number of automatic retries the endpoint performs
// on its own before reporting an error.
func WithMaxRetries(n int) Option {
	return func(e *Endpoint) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Endpoint) {
		if c != nil {
			e.httpClient = c
		}
	}
}

// WithTimeout bounds every HTTP call made by the endpoint.
func WithTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.httpClient = &http.Client{Transport: e.httpClient.Transport, Timeout: d}
		}
	}
}

// WithRequestsPerMinute throttles calls client-side. Zero disables it.
func WithRequestsPerMinute(rpm int) Option {
	return func(e *Endpoint) {
		if l := NewLimiter(rpm); l != nil {
			e.limiter = l
		}
	}
}

// WithLimiter shares an existing limiter, so throttling spans endpoints
// built for successive calls to the same deployment.
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Endpoint) {
		if l != nil {
			e.limiter = l
		}
	}
}

// NewLimiter returns a limiter allowing rpm requests per minute, or nil when
// rpm is not positive.
func NewLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm)
}

// NewEndpoint builds an endpoint from connection data. It is the single
// construction path for both the PTU and the pay-as-you-go endpoint.
func NewEndpoint(name string, conn model.Connection, opts ...Option) (*Endpoint, error) {
	if name == "" {
		return nil, fmt.Errorf("endpoint name cannot be empty")
	}
	if _, err := ChatCompletionsURL(conn, "deployment"); err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", name, err)
	}

	e := &Endpoint{
		name:       name,
		conn:       conn,
		httpClient: &http.Client{Timeout: model.DefaultTimeout},
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Name returns the endpoint name used in logs and errors.
func (e *Endpoint) Name() string {
	return e.name
}

// MaxRetries returns the number of endpoint-internal retries.
func (e *Endpoint) MaxRetries() int {
	return e.maxRetries
}

type chatPayload struct {
	Messages     []model.Message              `json:"messages"`
	MaxTokens    int                          `json:"max_tokens,omitempty"`
	Temperature  float64                      `json:"temperature"`
	FunctionCall *model.FunctionCallDirective `json:"function_call,omitempty"`
	Functions    []model.Function             `json:"functions,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      model.Message `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage model.Usage `json:"usage"`
}

// ChatCompletion sends req to the deployment named by req.Model and returns
// the first choice. req is not modified.
func (e *Endpoint) ChatCompletion(ctx context.Context, req *model.CompletionRequest) (*model.CompletionResult, error) {
	// The deployment travels in the URL path, not in the body.
	body, err := json.Marshal(chatPayload{
		Messages:     req.Messages,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		FunctionCall: req.FunctionCall,
		Functions:    req.Functions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		result, err := e.do(ctx, req.Model, body)
		if err == nil {
			return result, nil
		}
		if attempt >= e.maxRetries || !isRetryable(err) {
			return nil, err
		}

		delay := e.retryDelay(err, attempt)
		logger.WithFields(logger.Fields{
			"backend":  e.name,
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		}).Debug("endpoint retrying request")
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (e *Endpoint) do(ctx context.Context, deployment string, body []byte) (*model.CompletionResult, error) {
	httpReq, err := NewRequest(ctx, e.conn, deployment, body)
	if err != nil {
		return nil, err
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectionError{Backend: e.name, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{Backend: e.name, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newResponseError(e.name, resp, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &APIError{
			Backend:    e.name,
			StatusCode: resp.StatusCode,
			Type:       "invalid_response",
			Message:    fmt.Sprintf("failed to decode completion: %v", err),
			Header:     resp.Header.Clone(),
		}
	}
	if len(parsed.Choices) == 0 {
		return nil, &APIError{
			Backend:    e.name,
			StatusCode: resp.StatusCode,
			Type:       "invalid_response",
			Message:    "completion has no choices",
			Header:     resp.Header.Clone(),
		}
	}

	first := parsed.Choices[0]
	return &model.CompletionResult{
		Message:      first.Message,
		FinishReason: first.FinishReason,
		Model:        parsed.Model,
		Usage:        parsed.Usage,
		Backend:      e.name,
	}, nil
}

func (e *Endpoint) retryDelay(err error, attempt int) time.Duration {
	if apiErr := asAPIError(err); apiErr != nil {
		if hint, ok := retryHint(apiErr.Header, time.Now()); ok && hint > 0 && hint <= maxRetryHint {
			return hint
		}
	}

	delay := initialRetryDelay << uint(attempt)
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	jitter := 1 - 0.25*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func asAPIError(err error) *APIError {
	switch e := err.(type) {
	case *RateLimitError:
		return e.APIError
	case *APIError:
		return e
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
