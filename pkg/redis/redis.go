package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis client with the dispatch metric operations.
type Client struct {
	rdb *redis.Client
}

// DefaultRetention is how long samples are kept when Config.Retention is unset.
const DefaultRetention = 24 * time.Hour

// Config holds Redis connection configuration
type Config struct {
	Addr     string
	Password string
	DB       int
	// Retention bounds the age of recorded samples. Zero means DefaultRetention.
	Retention time.Duration
}

type latencyEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Latency   float64   `json:"latency"`
	Status    string    `json:"status"`
}

type statusEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	StatusCode int       `json:"status_code"`
}

// NewClient creates a new Redis client with the given configuration
func NewClient(cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func latencyKey(backend string) string { return fmt.Sprintf("latency:%s", backend) }
func statusKey(backend string) string  { return fmt.Sprintf("status:%s", backend) }
func counterKey(name string) string    { return fmt.Sprintf("dispatch:%s", name) }

// RecordLatency records the latency (seconds) of one call to a backend.
func (c *Client) RecordLatency(ctx context.Context, backend string, latency float64, status string) error {
	now := time.Now().UTC()
	data, err := json.Marshal(latencyEntry{Timestamp: now, Latency: latency, Status: status})
	if err != nil {
		return errors.Wrap(err, "failed to marshal latency entry")
	}

	// Score by timestamp so entries can be trimmed by age.
	z := redis.Z{Score: float64(now.UnixNano()), Member: string(data)}
	if err := c.rdb.ZAdd(ctx, latencyKey(backend), z).Err(); err != nil {
		return errors.Wrap(err, "failed to record latency")
	}
	return nil
}

// GetLatencyEntries returns the latencies of the last n calls to a backend,
// most recent first.
func (c *Client) GetLatencyEntries(ctx context.Context, backend string, n int64) ([]float64, error) {
	if n <= 0 {
		return []float64{}, nil
	}

	entries, err := c.rdb.ZRevRange(ctx, latencyKey(backend), 0, n-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latency entries")
	}

	latencies := make([]float64, 0, len(entries))
	for _, entry := range entries {
		var e latencyEntry
		if err := json.Unmarshal([]byte(entry), &e); err != nil {
			return nil, errors.Wrap(err, "failed to parse latency entry")
		}
		latencies = append(latencies, e.Latency)
	}
	return latencies, nil
}

// RecordStatusCode records the HTTP status a backend answered with.
func (c *Client) RecordStatusCode(ctx context.Context, backend string, statusCode int) error {
	now := time.Now().UTC()
	data, err := json.Marshal(statusEntry{Timestamp: now, StatusCode: statusCode})
	if err != nil {
		return errors.Wrap(err, "failed to marshal status entry")
	}

	z := redis.Z{Score: float64(now.UnixNano()), Member: string(data)}
	if err := c.rdb.ZAdd(ctx, statusKey(backend), z).Err(); err != nil {
		return errors.Wrap(err, "failed to record status code")
	}
	return nil
}

// GetStatusPercentages calculates the share of each status code over the
// last n recorded calls.
func (c *Client) GetStatusPercentages(ctx context.Context, backend string, n int64) (map[int]float64, error) {
	if n < 0 {
		return nil, fmt.Errorf("number of calls cannot be negative: %d", n)
	}
	if n == 0 {
		return make(map[int]float64), nil
	}

	entries, err := c.rdb.ZRevRange(ctx, statusKey(backend), 0, n-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get status entries")
	}

	counts := make(map[int]int)
	for _, entry := range entries {
		var e statusEntry
		if err := json.Unmarshal([]byte(entry), &e); err != nil {
			return nil, errors.Wrap(err, "failed to parse status entry")
		}
		counts[e.StatusCode]++
	}

	percentages := make(map[int]float64, len(counts))
	for code, count := range counts {
		percentages[code] = float64(count) / float64(len(entries)) * 100
	}
	return percentages, nil
}

// IncrCounter increments a named dispatch counter.
func (c *Client) IncrCounter(ctx context.Context, name string) error {
	if err := c.rdb.Incr(ctx, counterKey(name)).Err(); err != nil {
		return errors.Wrapf(err, "failed to increment %s counter", name)
	}
	return nil
}

// GetCounter returns a named dispatch counter, zero if it was never set.
func (c *Client) GetCounter(ctx context.Context, name string) (int64, error) {
	v, err := c.rdb.Get(ctx, counterKey(name)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to get %s counter", name)
	}
	return v, nil
}

// CleanupOldEntries removes latency and status entries older than age.
func (c *Client) CleanupOldEntries(ctx context.Context, backend string, age time.Duration) error {
	max := fmt.Sprintf("%d", time.Now().Add(-age).UnixNano())
	for _, key := range []string{latencyKey(backend), statusKey(backend)} {
		if err := c.rdb.ZRemRangeByScore(ctx, key, "-inf", max).Err(); err != nil {
			return errors.Wrapf(err, "failed to remove old entries from %s", key)
		}
	}
	return nil
}
