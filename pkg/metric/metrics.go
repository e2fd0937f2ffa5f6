package metric

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Not-Diamond/go-ptufallback/pkg/clients/azure"
	"github.com/Not-Diamond/go-ptufallback/pkg/logger"
	"github.com/Not-Diamond/go-ptufallback/pkg/redis"
	"github.com/Not-Diamond/go-ptufallback/pkg/statistic"
	pkgerrors "github.com/pkg/errors"
)

const (
	retriesCounter   = "retries"
	fallbacksCounter = "fallbacks"

	// statusConnectionError is recorded when no HTTP status was received.
	statusConnectionError = 0
)

// Tracker records dispatch outcomes in Redis. It implements
// fallback.Recorder; recording failures are logged and swallowed.
// Samples older than the retention window are dropped as new ones arrive.
type Tracker struct {
	client    *redis.Client
	retention time.Duration
}

// Summary describes the recent behaviour of one backend.
type Summary struct {
	Backend             string
	Calls               int
	AverageLatency      float64
	LatestMovingAverage float64
	MinLatency          float64
	MaxLatency          float64
	StatusPercentages   map[int]float64
	Retries             int64
	Fallbacks           int64
}

// NewTracker connects to Redis.
func NewTracker(cfg redis.Config) (*Tracker, error) {
	client, err := redis.NewClient(cfg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create metrics tracker")
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = redis.DefaultRetention
	}
	return &Tracker{client: client, retention: retention}, nil
}

// RecordAttempt records the latency (seconds) and status of one backend call.
func (mt *Tracker) RecordAttempt(ctx context.Context, backend string, latency time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	if rerr := mt.client.RecordLatency(ctx, backend, latency.Seconds(), status); rerr != nil {
		logger.WithFields(logger.Fields{"backend": backend, "error": rerr.Error()}).Warn("failed to record latency")
	}
	if rerr := mt.client.RecordStatusCode(ctx, backend, statusCode(err)); rerr != nil {
		logger.WithFields(logger.Fields{"backend": backend, "error": rerr.Error()}).Warn("failed to record status code")
	}
	if rerr := mt.client.CleanupOldEntries(ctx, backend, mt.retention); rerr != nil {
		logger.WithFields(logger.Fields{"backend": backend, "error": rerr.Error()}).Warn("failed to drop expired samples")
	}
}

// RecordRetry counts a rate-limit wait on backend.
func (mt *Tracker) RecordRetry(ctx context.Context, backend string, wait time.Duration) {
	if err := mt.client.IncrCounter(ctx, retriesCounter); err != nil {
		logger.WithFields(logger.Fields{"backend": backend, "error": err.Error()}).Warn("failed to record retry")
	}
}

// RecordFallback counts a switch from one backend to another.
func (mt *Tracker) RecordFallback(ctx context.Context, from, to string) {
	if err := mt.client.IncrCounter(ctx, fallbacksCounter); err != nil {
		logger.WithFields(logger.Fields{"from": from, "to": to, "error": err.Error()}).Warn("failed to record fallback")
	}
}

// Summary reports on the last n calls to backend. Latencies are in seconds.
func (mt *Tracker) Summary(ctx context.Context, backend string, n int) (*Summary, error) {
	if n <= 0 {
		return nil, pkgerrors.Errorf("number of calls must be positive, got %d", n)
	}

	latencies, err := mt.client.GetLatencyEntries(ctx, backend, int64(n))
	if err != nil {
		return nil, err
	}
	percentages, err := mt.client.GetStatusPercentages(ctx, backend, int64(n))
	if err != nil {
		return nil, err
	}
	retries, err := mt.client.GetCounter(ctx, retriesCounter)
	if err != nil {
		return nil, err
	}
	fallbacks, err := mt.client.GetCounter(ctx, fallbacksCounter)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Backend:           backend,
		Calls:             len(latencies),
		StatusPercentages: percentages,
		Retries:           retries,
		Fallbacks:         fallbacks,
	}

	// Not enough data points yet.
	if len(latencies) == 0 {
		return summary, nil
	}

	stats := statistic.FromValues(latencies)
	if summary.AverageLatency, err = stats.Average(); err != nil {
		return nil, err
	}
	if summary.LatestMovingAverage, err = stats.LatestMovingAverage(n); err != nil {
		return nil, err
	}
	if summary.MinLatency, err = stats.Min(); err != nil {
		return nil, err
	}
	if summary.MaxLatency, err = stats.Max(); err != nil {
		return nil, err
	}
	return summary, nil
}

// Close closes the underlying Redis connection.
func (mt *Tracker) Close() error {
	return mt.client.Close()
}

func statusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var apiErr *azure.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return statusConnectionError
}
