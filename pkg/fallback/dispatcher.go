package fallback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Not-Diamond/go-ptufallback/pkg/clients/azure"
	"github.com/Not-Diamond/go-ptufallback/pkg/logger"
	"github.com/Not-Diamond/go-ptufallback/pkg/model"
	"github.com/google/uuid"
)

// ErrMissingRetryAfter is returned when the primary backend is rate limited
// but the response carries no usable retry-after-ms header. The returned
// error also wraps the original rate-limit error.
var ErrMissingRetryAfter = errors.New("rate limited without a usable retry-after-ms hint")

// Backend is one chat completion service the dispatcher can call.
// *azure.Endpoint implements it.
type Backend interface {
	Name() string
	ChatCompletion(ctx context.Context, req *model.CompletionRequest) (*model.CompletionResult, error)
}

// Clock abstracts time for the dispatcher.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// Recorder receives dispatch events. It never influences the outcome.
type Recorder interface {
	RecordAttempt(ctx context.Context, backend string, latency time.Duration, err error)
	RecordRetry(ctx context.Context, backend string, wait time.Duration)
	RecordFallback(ctx context.Context, from, to string)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordAttempt(context.Context, string, time.Duration, error) {}
func (nopRecorder) RecordRetry(context.Context, string, time.Duration)          {}
func (nopRecorder) RecordFallback(context.Context, string, string)              {}

// options holds what an Option can set. Dispatcher embeds it so
// CallWithFallback can read endpoint options before any backend exists.
type options struct {
	clock        Clock
	recorder     Recorder
	endpointOpts []azure.Option
}

func newOptions(opts []Option) options {
	o := options{clock: realClock{}, recorder: nopRecorder{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Dispatcher sends a request to the primary backend and falls back to the
// secondary one when the primary stays rate limited past the budget.
type Dispatcher struct {
	options

	primary   Backend
	secondary Backend
	budget    time.Duration
}

// Option configures a Dispatcher.
type Option func(*options)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithEndpointOptions passes options to the endpoints built by CallWithFallback.
func WithEndpointOptions(opts ...azure.Option) Option {
	return func(o *options) {
		o.endpointOpts = append(o.endpointOpts, opts...)
	}
}

// New returns a dispatcher for one primary/secondary pair. A negative budget
// is treated as zero.
func New(primary, secondary Backend, budget time.Duration, opts ...Option) *Dispatcher {
	return newDispatcher(primary, secondary, budget, newOptions(opts))
}

func newDispatcher(primary, secondary Backend, budget time.Duration, o options) *Dispatcher {
	if budget < 0 {
		budget = 0
	}
	return &Dispatcher{
		options:   o,
		primary:   primary,
		secondary: secondary,
		budget:    budget,
	}
}

// Budget returns the retry budget of the dispatcher.
func (d *Dispatcher) Budget() time.Duration {
	return d.budget
}

// Send dispatches req. It returns the primary's result, the secondary's
// result or error after a fallback, or the primary's error when it is not a
// rate limit. req is never modified.
func (d *Dispatcher) Send(ctx context.Context, req *model.CompletionRequest) (*model.CompletionResult, error) {
	log := logger.WithFields(logger.Fields{
		"dispatch_id": uuid.NewString(),
		"deployment":  req.Model,
		"budget_ms":   d.budget.Milliseconds(),
	})

	start := d.clock.Now()
	for {
		result, err := d.call(ctx, d.primary, req)
		if err == nil {
			return result, nil
		}
		if !IsRateLimit(err) {
			return nil, err
		}

		wait, hintErr := RetryAfter(err)
		if hintErr != nil {
			log.WithFields(logger.Fields{
				"backend": d.primary.Name(),
				"error":   hintErr.Error(),
			}).Error("rate limited without retry hint")
			return nil, fmt.Errorf("%w: %w", ErrMissingRetryAfter, err)
		}

		elapsed := d.clock.Now().Sub(start)
		projected := addSaturating(elapsed, wait)
		entry := log.WithFields(logger.Fields{
			"backend":        d.primary.Name(),
			"retry_after_ms": wait.Milliseconds(),
			"elapsed_ms":     elapsed.Milliseconds(),
			"projected_ms":   projected.Milliseconds(),
		})

		// Compared against the remaining budget so huge hints cannot overflow.
		if wait > d.budget-elapsed {
			entry.Infof("retry budget exceeded, falling back to %s", d.secondary.Name())
			d.recorder.RecordFallback(ctx, d.primary.Name(), d.secondary.Name())
			return d.call(ctx, d.secondary, req)
		}

		entry.Info("rate limited, waiting before retrying")
		d.recorder.RecordRetry(ctx, d.primary.Name(), wait)
		if err := d.clock.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func addSaturating(a, b time.Duration) time.Duration {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func (d *Dispatcher) call(ctx context.Context, b Backend, req *model.CompletionRequest) (*model.CompletionResult, error) {
	begin := d.clock.Now()
	result, err := b.ChatCompletion(ctx, req)
	d.recorder.RecordAttempt(ctx, b.Name(), d.clock.Now().Sub(begin), err)
	return result, err
}

// CallWithFallback builds the PTU and pay-as-you-go endpoints for this call
// only, then dispatches req with ptuMaxWait as the retry budget.
// maxOpenAIRetries is the endpoints' own automatic retry count.
func CallWithFallback(
	ctx context.Context,
	paygo, ptu model.Connection,
	req *model.CompletionRequest,
	ptuMaxWait time.Duration,
	maxOpenAIRetries int,
	opts ...Option,
) (*model.CompletionResult, error) {
	o := newOptions(opts)
	endpointOpts := append([]azure.Option{azure.WithMaxRetries(maxOpenAIRetries)}, o.endpointOpts...)

	ptuEndpoint, err := azure.NewEndpoint(model.BackendPTU, ptu, endpointOpts...)
	if err != nil {
		return nil, err
	}
	paygoEndpoint, err := azure.NewEndpoint(model.BackendPaygo, paygo, endpointOpts...)
	if err != nil {
		return nil, err
	}

	return newDispatcher(ptuEndpoint, paygoEndpoint, ptuMaxWait, o).Send(ctx, req)
}

// IsRateLimit reports whether err is a rate-limit answer from a backend.
func IsRateLimit(err error) bool {
	var rlErr *azure.RateLimitError
	return errors.As(err, &rlErr)
}

// RetryAfter returns the retry hint carried by a rate-limit error.
func RetryAfter(err error) (time.Duration, error) {
	var rlErr *azure.RateLimitError
	if !errors.As(err, &rlErr) {
		return 0, fmt.Errorf("not a rate limit error: %w", err)
	}
	if rlErr.RetryAfterErr != nil {
		return 0, rlErr.RetryAfterErr
	}
	if rlErr.RetryAfter < 0 {
		return 0, fmt.Errorf("negative retry hint %v", rlErr.RetryAfter)
	}
	return rlErr.RetryAfter, nil
}
