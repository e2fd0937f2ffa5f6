package azure

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryAfterMsHeader carries the server-suggested retry delay, in milliseconds.
const RetryAfterMsHeader = "retry-after-ms"

// ErrNoRetryAfter is returned by ParseRetryAfterMs when the header is absent.
var ErrNoRetryAfter = errors.New("retry-after-ms header not present")

// APIError is a non-2xx answer from an endpoint.
type APIError struct {
	Backend    string
	StatusCode int
	Type       string
	Code       string
	Message    string
	Header     http.Header
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d (%s): %s",
		e.Backend, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// RateLimitError is a 429 answer. RetryAfter is only meaningful when
// RetryAfterErr is nil.
type RateLimitError struct {
	*APIError
	RetryAfter    time.Duration
	RetryAfterErr error
}

func (e *RateLimitError) Error() string {
	return "rate limited: " + e.APIError.Error()
}

func (e *RateLimitError) Unwrap() error {
	return e.APIError
}

// ConnectionError means no HTTP response was received.
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection error: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// maxDuration is the longest wait a hint can express; larger hints saturate.
const maxDuration = time.Duration(math.MaxInt64)

// scaleDuration converts v units to a duration, saturating at maxDuration.
func scaleDuration(v float64, unit time.Duration) time.Duration {
	f := v * float64(unit)
	if f >= float64(maxDuration) {
		return maxDuration
	}
	return time.Duration(f)
}

// ParseRetryAfterMs reads the retry-after-ms header. Missing, non-numeric,
// negative and non-finite values are errors. Hints beyond the duration range
// saturate.
func ParseRetryAfterMs(h http.Header) (time.Duration, error) {
	raw := strings.TrimSpace(h.Get(RetryAfterMsHeader))
	if raw == "" {
		return 0, ErrNoRetryAfter
	}
	ms, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s header %q: %w", RetryAfterMsHeader, raw, err)
	}
	if ms < 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return 0, fmt.Errorf("invalid %s header %q", RetryAfterMsHeader, raw)
	}
	return scaleDuration(ms, time.Millisecond), nil
}

// retryHint returns the server-suggested wait for the endpoint-internal
// retry loop: retry-after-ms first, then retry-after (seconds or HTTP date).
func retryHint(h http.Header, now time.Time) (time.Duration, bool) {
	if d, err := ParseRetryAfterMs(h); err == nil {
		return d, true
	}
	raw := strings.TrimSpace(h.Get("retry-after"))
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs >= 0 {
		return scaleDuration(secs, time.Second), true
	}
	if at, err := http.ParseTime(raw); err == nil {
		return at.Sub(now), true
	}
	return 0, false
}

type errorBody struct {
	Error struct {
		Message string      `json:"message"`
		Type    string      `json:"type"`
		Code    interface{} `json:"code"`
	} `json:"error"`
}

// newResponseError classifies a non-2xx response.
func newResponseError(backend string, resp *http.Response, body []byte) error {
	apiErr := &APIError{
		Backend:    backend,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		apiErr.Message = parsed.Error.Message
		apiErr.Type = parsed.Error.Type
		if parsed.Error.Code != nil {
			apiErr.Code = fmt.Sprint(parsed.Error.Code)
		}
	} else {
		// Fallback to raw body if can't parse error response
		apiErr.Message = strings.TrimSpace(string(body))
	}

	if resp.StatusCode != http.StatusTooManyRequests {
		return apiErr
	}

	rlErr := &RateLimitError{APIError: apiErr}
	rlErr.RetryAfter, rlErr.RetryAfterErr = ParseRetryAfterMs(resp.Header)
	return rlErr
}

// isRetryable reports whether the endpoint-internal loop may retry err.
func isRetryable(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch {
	case apiErr.StatusCode == http.StatusRequestTimeout,
		apiErr.StatusCode == http.StatusConflict,
		apiErr.StatusCode == http.StatusTooManyRequests,
		apiErr.StatusCode >= 500:
		return true
	}
	return false
}
