package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/parsemd/internal/core"
	"github.com/local/parsemd/internal/task"
)

// DefaultStatusTTL keeps mirrored task records for a day.
const DefaultStatusTTL = 24 * time.Hour

var _ task.Mirror = &RedisStatus{}

// RedisStatus mirrors task views into Redis hashes so status survives in-memory eviction.
type RedisStatus struct {
	client *redis.Client
	keyNS  string
	ttl    time.Duration
}

func NewRedisStatus(redisURL string, ttl time.Duration) (*RedisStatus, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	if err := c.Ping(context.Background()).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &RedisStatus{client: c, keyNS: "task", ttl: ttl}, nil
}

func (s *RedisStatus) key(id string) string { return fmt.Sprintf("%s:%s:status", s.keyNS, id) }

// Save writes the view as a hash and refreshes its expiry.
func (s *RedisStatus) Save(ctx context.Context, v task.View) error {
	m := map[string]any{
		"status":  string(v.Status),
		"kind":    v.Kind,
		"error":   v.Error,
		"created": v.CreatedAt.Format(time.RFC3339Nano),
		"updated": v.UpdatedAt.Format(time.RFC3339Nano),
	}
	if v.Result != nil {
		b, err := json.Marshal(v.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		m["result"] = string(b)
	}

	key := s.key(v.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, m)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	return err
}

func (s *RedisStatus) Load(ctx context.Context, id string) (task.View, bool, error) {
	res, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return task.View{}, false, err
	}
	if len(res) == 0 {
		return task.View{}, false, nil
	}

	v := task.View{
		ID:     id,
		Kind:   res["kind"],
		Status: task.Status(res["status"]),
		Error:  res["error"],
	}
	if !v.Status.Valid() {
		return task.View{}, false, fmt.Errorf("task %s: stored status %q is invalid", id, res["status"])
	}
	if t, err := time.Parse(time.RFC3339Nano, res["created"]); err == nil {
		v.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, res["updated"]); err == nil {
		v.UpdatedAt = t
	}
	if raw := res["result"]; raw != "" {
		var r core.ParseResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return task.View{}, false, fmt.Errorf("decode result for task %s: %w", id, err)
		}
		v.Result = &r
	}
	return v, true, nil
}

func (s *RedisStatus) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisStatus) Close() error { return s.client.Close() }
