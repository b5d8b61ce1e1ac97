package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisExporter appends events to a Redis stream so external consumers
// can tail a run live without touching the landscape.
type RedisExporter struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisExporter connects to Redis and verifies the connection.
func NewRedisExporter(ctx context.Context, addr, stream string, maxLen int64) (*RedisExporter, error) {
	if stream == "" {
		stream = "elspeth:events"
	}
	if maxLen <= 0 {
		maxLen = 100_000
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisExporter{client: client, stream: stream, maxLen: maxLen}, nil
}

func (r *RedisExporter) Export(ctx context.Context, event Event) error {
	fields, err := json.Marshal(event.Fields)
	if err != nil {
		return fmt.Errorf("marshal event fields: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":      event.Kind,
			"run_id":    event.RunID,
			"token_id":  event.TokenID,
			"node_id":   event.NodeID,
			"fields":    string(fields),
			"timestamp": event.Timestamp.UnixMilli(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append to stream %s: %w", r.stream, err)
	}

	return nil
}

func (r *RedisExporter) Close() error {
	return r.client.Close()
}
