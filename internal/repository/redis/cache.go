// Package redis caches API-facing run state: autonomous session snapshots,
// report summaries, and per-client rate limit counters. Everything here is
// reconstructible, so a cold cache only costs latency.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/testforge/autopilot/internal/config"
	"github.com/testforge/autopilot/internal/domain"
)

// Cache wraps the redis client with typed accessors.
type Cache struct {
	client *redis.Client
}

// Key prefixes per cache type.
const (
	PrefixSession   = "session:"
	PrefixReport    = "report:"
	PrefixRunStatus = "run:"
	PrefixRateLimit = "ratelimit:"
)

// TTLs per cache type.
const (
	DefaultTTL      = 15 * time.Minute
	SessionTTL      = 24 * time.Hour
	ReportTTL       = 1 * time.Hour
	RateLimitWindow = 1 * time.Minute
)

// New connects and verifies the connection.
func New(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health checks connectivity.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Client exposes the raw client for operations not covered here.
func (c *Cache) Client() *redis.Client {
	return c.client
}

// SessionSnapshot is the API-visible state of one autonomous session. Recent
// log lines ride along since live streaming is not part of the core surface.
type SessionSnapshot struct {
	SessionID     string    `json:"sessionId"`
	ProjectID     string    `json:"projectId"`
	ProjectName   string    `json:"projectName"`
	Status        string    `json:"status"`
	CurrentTest   string    `json:"currentTest,omitempty"`
	ExecutedTests int       `json:"executedTests"`
	QueueDepth    int       `json:"queueDepth"`
	RecentLogs    []string  `json:"recentLogs,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SetSession stores a session snapshot.
func (c *Cache) SetSession(ctx context.Context, snap *SessionSnapshot) error {
	snap.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, PrefixSession+snap.SessionID, data, SessionTTL).Err()
}

// GetSession retrieves a session snapshot; (nil, nil) on miss.
func (c *Cache) GetSession(ctx context.Context, sessionID string) (*SessionSnapshot, error) {
	data, err := c.client.Get(ctx, PrefixSession+sessionID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var snap SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteSession removes a session snapshot.
func (c *Cache) DeleteSession(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, PrefixSession+sessionID).Err()
}

// SetReport caches a full report for the read path.
func (c *Cache) SetReport(ctx context.Context, report *domain.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, PrefixReport+report.ID, data, ReportTTL).Err()
}

// GetReport retrieves a cached report; (nil, nil) on miss.
func (c *Cache) GetReport(ctx context.Context, id string) (*domain.Report, error) {
	data, err := c.client.Get(ctx, PrefixReport+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var report domain.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// SetRunStatus caches a run's live status string.
func (c *Cache) SetRunStatus(ctx context.Context, runID, status string) error {
	return c.client.Set(ctx, PrefixRunStatus+runID+":status", status, DefaultTTL).Err()
}

// GetRunStatus retrieves a run's live status; "" on miss.
func (c *Cache) GetRunStatus(ctx context.Context, runID string) (string, error) {
	status, err := c.client.Get(ctx, PrefixRunStatus+runID+":status").Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", err
	}
	return status, nil
}

// CheckRateLimit increments the caller's window counter and reports whether
// the request is allowed.
func (c *Cache) CheckRateLimit(ctx context.Context, key string, limit int) (bool, int, error) {
	fullKey := PrefixRateLimit + key

	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.Expire(ctx, fullKey, RateLimitWindow)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	count := int(incr.Val())
	return count <= limit, count, nil
}

// Get retrieves a raw value; (nil, nil) on miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Set stores a raw value.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// PublishRunEvent fans a run lifecycle event out to subscribers.
func (c *Cache) PublishRunEvent(ctx context.Context, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, "runs", data).Err()
}

// SubscribeRunEvents subscribes to run lifecycle events.
func (c *Cache) SubscribeRunEvents(ctx context.Context) *redis.PubSub {
	return c.client.Subscribe(ctx, "runs")
}
