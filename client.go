package ptufallback

import (
	"context"
	"fmt"

	"github.com/Not-Diamond/go-ptufallback/pkg/clients/azure"
	"github.com/Not-Diamond/go-ptufallback/pkg/fallback"
	"github.com/Not-Diamond/go-ptufallback/pkg/logger"
	"github.com/Not-Diamond/go-ptufallback/pkg/metric"
	"github.com/Not-Diamond/go-ptufallback/pkg/model"
	"github.com/Not-Diamond/go-ptufallback/pkg/validation"
	"golang.org/x/time/rate"
)

// Client dispatches chat completions to a PTU deployment with a
// pay-as-you-go fallback. It is safe for concurrent use; every call builds
// its own endpoints.
type Client struct {
	config  model.Config
	tracker *metric.Tracker

	// Shared across calls so REQUESTS_PER_MINUTE holds per deployment.
	ptuLimiter   *rate.Limiter
	paygoLimiter *rate.Limiter

	dispatchOpts []fallback.Option
}

// Option configures a Client.
type Option func(*Client)

// WithDispatchOptions passes options to every dispatcher the client runs.
func WithDispatchOptions(opts ...fallback.Option) Option {
	return func(c *Client) {
		c.dispatchOpts = append(c.dispatchOpts, opts...)
	}
}

// Init validates config and returns a ready client. When RedisConfig is set
// dispatch metrics are recorded in Redis.
func Init(config model.Config, opts ...Option) (*Client, error) {
	logger.Info("▷ Initializing Client...")

	if err := validation.ValidateConfig(config); err != nil {
		logger.WithFields(logger.Fields{"error": err.Error()}).Error("validation")
		return nil, err
	}
	if config.LogLevel != "" {
		logger.SetLevel(config.LogLevel)
	}
	if config.PTUMaxWait == 0 {
		config.PTUMaxWait = model.DefaultPTUMaxWait
	}

	client := &Client{
		config:       config,
		ptuLimiter:   azure.NewLimiter(config.RequestsPerMinute),
		paygoLimiter: azure.NewLimiter(config.RequestsPerMinute),
	}

	if config.RedisConfig != nil {
		tracker, err := metric.NewTracker(*config.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics tracker: %w", err)
		}
		client.tracker = tracker
	}

	for _, opt := range opts {
		opt(client)
	}

	logger.WithFields(logger.Fields{
		"ptu_api_base":       config.Primary.APIBase,
		"paygo_api_base":     config.Secondary.APIBase,
		"ptu_max_wait_ms":    config.RetryBudget().Milliseconds(),
		"max_openai_retries": config.MaxOpenAIRetries,
		"metrics":            client.tracker != nil,
	}).Info("✓ Client initialized")
	return client, nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() model.Config {
	return c.config
}

// Tracker returns the metrics tracker, or nil when metrics are disabled.
func (c *Client) Tracker() *metric.Tracker {
	return c.tracker
}

// Send validates req and dispatches it.
func (c *Client) Send(ctx context.Context, req *model.CompletionRequest) (*model.CompletionResult, error) {
	if err := validation.ValidateRequest(req); err != nil {
		return nil, err
	}

	ptu, err := c.endpoint(model.BackendPTU, c.config.Primary, c.ptuLimiter)
	if err != nil {
		return nil, err
	}
	paygo, err := c.endpoint(model.BackendPaygo, c.config.Secondary, c.paygoLimiter)
	if err != nil {
		return nil, err
	}

	opts := make([]fallback.Option, 0, len(c.dispatchOpts)+1)
	if c.tracker != nil {
		opts = append(opts, fallback.WithRecorder(c.tracker))
	}
	opts = append(opts, c.dispatchOpts...)

	return fallback.New(ptu, paygo, c.config.RetryBudget(), opts...).Send(ctx, req)
}

func (c *Client) endpoint(name string, conn model.Connection, limiter *rate.Limiter) (*azure.Endpoint, error) {
	return azure.NewEndpoint(name, conn,
		azure.WithMaxRetries(c.config.MaxOpenAIRetries),
		azure.WithTimeout(c.config.Timeout),
		azure.WithLimiter(limiter),
	)
}

// Close releases the metrics connection, if any.
func (c *Client) Close() error {
	if c.tracker == nil {
		return nil
	}
	return c.tracker.Close()
}
