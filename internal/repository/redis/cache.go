// Package redis provides the Redis-backed monitoring history store and
// event publishing.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/config"
	"github.com/limiquantix/groupmanager/internal/domain"
)

// Channels used for group manager events.
const (
	ChannelNodeEvents = "events:node"
	ChannelPlanEvents = "events:plan"
)

// Cache wraps a Redis client holding bounded monitoring history.
type Cache struct {
	client   *redis.Client
	logger   *zap.Logger
	capacity int64
}

// NewCache creates a new Redis connection. capacity bounds every history list.
func NewCache(cfg config.RedisConfig, capacity int, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))

	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{client: client, logger: logger, capacity: int64(capacity)}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health checks if Redis is reachable.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// =============================================================================
// Monitoring History
// =============================================================================

func vmHistoryKey(vmID string) string {
	return fmt.Sprintf("history:vm:%s", vmID)
}

func metricHistoryKey(nodeID, metric string) string {
	return fmt.Sprintf("history:node:%s:metric:%s", nodeID, metric)
}

func metricNamesKey(nodeID string) string {
	return fmt.Sprintf("history:node:%s:metrics", nodeID)
}

// AppendVMSamples pushes samples onto the VM's history, keeping the newest
// capacity entries.
func (c *Cache) AppendVMSamples(ctx context.Context, vmID string, samples []domain.MonitoringSample) error {
	if len(samples) == 0 {
		return nil
	}
	values, err := encodeAll(samples)
	if err != nil {
		return err
	}
	key := vmHistoryKey(vmID)

	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, values...)
	pipe.LTrim(ctx, key, 0, c.capacity-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append vm history: %w", err)
	}
	return nil
}

// AppendMetricSamples pushes samples onto a node metric's history.
func (c *Cache) AppendMetricSamples(ctx context.Context, nodeID, metric string, samples []domain.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	values, err := encodeAll(samples)
	if err != nil {
		return err
	}
	key := metricHistoryKey(nodeID, metric)

	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, metricNamesKey(nodeID), metric)
	pipe.LPush(ctx, key, values...)
	pipe.LTrim(ctx, key, 0, c.capacity-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append metric history: %w", err)
	}
	return nil
}

// VMHistory returns up to depth samples of the VM, oldest first. A depth of
// zero or less returns the whole list.
func (c *Cache) VMHistory(ctx context.Context, vmID string, depth int) ([]domain.MonitoringSample, error) {
	raw, err := c.client.LRange(ctx, vmHistoryKey(vmID), 0, stop(depth)).Result()
	if err != nil {
		return nil, fmt.Errorf("read vm history: %w", err)
	}
	return decodeAll[domain.MonitoringSample](raw)
}

// NodeMetrics returns every metric series recorded for the node, truncated
// to depth samples.
func (c *Cache) NodeMetrics(ctx context.Context, nodeID string, depth int) (map[string]*domain.MetricSeries, error) {
	names, err := c.client.SMembers(ctx, metricNamesKey(nodeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read metric names: %w", err)
	}

	result := make(map[string]*domain.MetricSeries, len(names))
	for _, name := range names {
		raw, err := c.client.LRange(ctx, metricHistoryKey(nodeID, name), 0, stop(depth)).Result()
		if err != nil {
			return nil, fmt.Errorf("read metric history: %w", err)
		}
		samples, err := decodeAll[domain.MetricSample](raw)
		if err != nil {
			return nil, err
		}
		series := domain.NewMetricSeries(int(c.capacity))
		for _, s := range samples {
			series.Add(s)
		}
		result[name] = series
	}
	return result, nil
}

// DeleteVMHistory removes the VM's history.
func (c *Cache) DeleteVMHistory(ctx context.Context, vmID string) error {
	return c.client.Del(ctx, vmHistoryKey(vmID)).Err()
}

func stop(depth int) int64 {
	if depth <= 0 {
		return -1
	}
	return int64(depth) - 1
}

func encodeAll[T any](items []T) ([]interface{}, error) {
	values := make([]interface{}, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sample: %w", err)
		}
		values = append(values, data)
	}
	return values, nil
}

// decodeAll decodes a newest-first Redis list into an oldest-first slice.
func decodeAll[T any](raw []string) ([]T, error) {
	items := make([]T, len(raw))
	for i, val := range raw {
		if err := json.Unmarshal([]byte(val), &items[len(raw)-1-i]); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sample: %w", err)
		}
	}
	return items, nil
}

// =============================================================================
// Pub/Sub Operations for Real-time Updates
// =============================================================================

// Event represents a real-time event.
type Event struct {
	Type       string      `json:"type"` // "node.state", "node.suspended", "plan.enforced", ...
	ResourceID string      `json:"resource_id"`
	Data       interface{} `json:"data,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Publish publishes an event to a channel.
func (c *Cache) Publish(ctx context.Context, channel string, event Event) error {
	event.Timestamp = time.Now()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.client.Publish(ctx, channel, data).Err()
}

// PublishNodeEvent publishes a node-related event.
func (c *Cache) PublishNodeEvent(ctx context.Context, eventType, nodeID string, data interface{}) error {
	return c.Publish(ctx, ChannelNodeEvents, Event{
		Type:       eventType,
		ResourceID: nodeID,
		Data:       data,
	})
}
