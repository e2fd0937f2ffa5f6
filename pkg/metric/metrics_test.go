package metric

import (
	"context"
	"errors"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/Not-Diamond/go-ptufallback/pkg/clients/azure"
	"github.com/Not-Diamond/go-ptufallback/pkg/redis"
	"github.com/alicebob/miniredis/v2"
)

func setupTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to create miniredis: %v", err)
	}

	tracker, err := NewTracker(redis.Config{Addr: mr.Addr()})
	if err != nil {
		mr.Close()
		t.Fatalf("NewTracker() error = %v", err)
	}

	return tracker, mr
}

func TestNewTracker(t *testing.T) {
	tracker, mr := setupTestTracker(t)
	defer mr.Close()
	defer tracker.Close()

	if tracker.client == nil {
		t.Error("Expected non-nil Redis client")
	}

	if _, err := NewTracker(redis.Config{Addr: "invalid:address"}); err == nil {
		t.Error("Expected error for unreachable Redis")
	}
}

func TestRecordAttemptAndSummary(t *testing.T) {
	tracker, mr := setupTestTracker(t)
	defer mr.Close()
	defer tracker.Close()

	ctx := context.Background()
	rateLimit := &azure.RateLimitError{APIError: &azure.APIError{Backend: "ptu", StatusCode: http.StatusTooManyRequests}}

	tracker.RecordAttempt(ctx, "ptu", 500*time.Millisecond, nil)
	tracker.RecordAttempt(ctx, "ptu", 100*time.Millisecond, rateLimit)
	tracker.RecordAttempt(ctx, "ptu", 1500*time.Millisecond, nil)
	tracker.RecordAttempt(ctx, "ptu", 2*time.Second, &azure.ConnectionError{Backend: "ptu", Err: errors.New("reset")})
	tracker.RecordRetry(ctx, "ptu", time.Second)
	tracker.RecordFallback(ctx, "ptu", "paygo")

	tests := []struct {
		name       string
		n          int
		wantCalls  int
		wantAvg    float64
		wantMin    float64
		wantMax    float64
		wantStatus map[int]float64
	}{
		{
			name:       "all calls",
			n:          10,
			wantCalls:  4,
			wantAvg:    (0.5 + 0.1 + 1.5 + 2.0) / 4,
			wantMin:    0.1,
			wantMax:    2.0,
			wantStatus: map[int]float64{200: 50, 429: 25, 0: 25},
		},
		{
			name:       "last two calls",
			n:          2,
			wantCalls:  2,
			wantAvg:    (1.5 + 2.0) / 2,
			wantMin:    1.5,
			wantMax:    2.0,
			wantStatus: map[int]float64{200: 50, 0: 50},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary, err := tracker.Summary(ctx, "ptu", tt.n)
			if err != nil {
				t.Fatalf("Summary() error = %v", err)
			}
			if summary.Calls != tt.wantCalls {
				t.Errorf("Calls = %d, want %d", summary.Calls, tt.wantCalls)
			}
			if math.Abs(summary.AverageLatency-tt.wantAvg) > 1e-9 {
				t.Errorf("AverageLatency = %v, want %v", summary.AverageLatency, tt.wantAvg)
			}
			if math.Abs(summary.LatestMovingAverage-tt.wantAvg) > 1e-9 {
				t.Errorf("LatestMovingAverage = %v, want %v", summary.LatestMovingAverage, tt.wantAvg)
			}
			if summary.MinLatency != tt.wantMin || summary.MaxLatency != tt.wantMax {
				t.Errorf("Min/Max = %v/%v, want %v/%v", summary.MinLatency, summary.MaxLatency, tt.wantMin, tt.wantMax)
			}
			for code, pct := range tt.wantStatus {
				if summary.StatusPercentages[code] != pct {
					t.Errorf("StatusPercentages[%d] = %v, want %v", code, summary.StatusPercentages[code], pct)
				}
			}
			if summary.Retries != 1 || summary.Fallbacks != 1 {
				t.Errorf("Retries/Fallbacks = %d/%d, want 1/1", summary.Retries, summary.Fallbacks)
			}
		})
	}
}

func TestSummaryNoData(t *testing.T) {
	tracker, mr := setupTestTracker(t)
	defer mr.Close()
	defer tracker.Close()

	summary, err := tracker.Summary(context.Background(), "paygo", 5)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if summary.Calls != 0 || summary.AverageLatency != 0 {
		t.Errorf("Expected empty summary, got %+v", summary)
	}

	if _, err := tracker.Summary(context.Background(), "paygo", 0); err == nil {
		t.Error("Expected error for non-positive call count")
	}
}

func TestRecordingFailuresAreSwallowed(t *testing.T) {
	tracker, mr := setupTestTracker(t)
	defer mr.Close()
	defer tracker.Close()

	ctx := context.Background()
	mr.SetError("simulated Redis error")

	// None of these may panic or surface the error.
	tracker.RecordAttempt(ctx, "ptu", time.Second, nil)
	tracker.RecordRetry(ctx, "ptu", time.Second)
	tracker.RecordFallback(ctx, "ptu", "paygo")

	if _, err := tracker.Summary(ctx, "ptu", 5); err == nil {
		t.Error("Expected Summary to report the Redis error")
	}

	mr.SetError("")
	summary, err := tracker.Summary(ctx, "ptu", 5)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if summary.Calls != 0 {
		t.Errorf("Expected no recorded calls, got %d", summary.Calls)
	}
}

func TestRecordAttemptDropsExpiredSamples(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to create miniredis: %v", err)
	}
	defer mr.Close()

	tracker, err := NewTracker(redis.Config{Addr: mr.Addr(), Retention: time.Hour})
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}
	defer tracker.Close()

	stale := time.Now().Add(-2 * time.Hour)
	score := float64(stale.UnixNano())
	mr.ZAdd("latency:paygo", score, `{"timestamp":"`+stale.UTC().Format(time.RFC3339Nano)+`","latency":9,"status":"success"}`)
	mr.ZAdd("status:paygo", score, `{"timestamp":"`+stale.UTC().Format(time.RFC3339Nano)+`","status_code":429}`)

	ctx := context.Background()
	tracker.RecordAttempt(ctx, "paygo", time.Second, nil)

	summary, err := tracker.Summary(ctx, "paygo", 10)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if summary.Calls != 1 || summary.MaxLatency != 1 {
		t.Errorf("Expected only the fresh sample, got %d calls with max latency %v", summary.Calls, summary.MaxLatency)
	}
	if summary.StatusPercentages[http.StatusTooManyRequests] != 0 {
		t.Errorf("Expected the stale status to be dropped, got %v", summary.StatusPercentages)
	}
}

func TestNewTrackerDefaultRetention(t *testing.T) {
	tracker, mr := setupTestTracker(t)
	defer mr.Close()
	defer tracker.Close()

	if tracker.retention != redis.DefaultRetention {
		t.Errorf("retention = %v, want %v", tracker.retention, redis.DefaultRetention)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", want: http.StatusOK},
		{name: "api error", err: &azure.APIError{StatusCode: http.StatusUnauthorized}, want: http.StatusUnauthorized},
		{name: "rate limit", err: &azure.RateLimitError{APIError: &azure.APIError{StatusCode: http.StatusTooManyRequests}}, want: http.StatusTooManyRequests},
		{name: "connection", err: &azure.ConnectionError{Err: errors.New("refused")}, want: statusConnectionError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusCode(tt.err); got != tt.want {
				t.Errorf("statusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
