package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"edu-vision/server/internal/model"
)

// RedisStore 用 Redis list 保存事件，seq 由 INCR 分配，EventID 去重用 hash。
// 三个 key 共用同一个 TTL，与会话快照一起过期。
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, evt *model.Event) (int64, error) {
	if evt.EventID != "" {
		seq, err := s.client.HGet(ctx, s.idsKey(sessionID), evt.EventID).Int64()
		if err == nil {
			return seq, nil
		}
		if !errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("redis lookup event id: %w", err)
		}
	}

	seq, err := s.client.Incr(ctx, s.seqKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr seq: %w", err)
	}

	eventCopy := *evt
	eventCopy.Seq = seq
	eventCopy.SessionID = sessionID
	raw, err := json.Marshal(eventCopy)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.eventsKey(sessionID), raw)
	if evt.EventID != "" {
		pipe.HSet(ctx, s.idsKey(sessionID), evt.EventID, seq)
		pipe.Expire(ctx, s.idsKey(sessionID), s.ttl)
	}
	pipe.Expire(ctx, s.eventsKey(sessionID), s.ttl)
	pipe.Expire(ctx, s.seqKey(sessionID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis append event: %w", err)
	}
	return seq, nil
}

func (s *RedisStore) List(ctx context.Context, sessionID string) ([]model.Event, error) {
	return s.Since(ctx, sessionID, 0)
}

func (s *RedisStore) Since(ctx context.Context, sessionID string, after int64) ([]model.Event, error) {
	raws, err := s.client.LRange(ctx, s.eventsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list events: %w", err)
	}
	out := make([]model.Event, 0, len(raws))
	for _, raw := range raws {
		var evt model.Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		if evt.Seq > after {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.eventsKey(sessionID), s.seqKey(sessionID), s.idsKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis delete timeline: %w", err)
	}
	return nil
}

func (s *RedisStore) eventsKey(id string) string { return "eduvision:timeline:" + id }
func (s *RedisStore) seqKey(id string) string    { return "eduvision:timeline:" + id + ":seq" }
func (s *RedisStore) idsKey(id string) string    { return "eduvision:timeline:" + id + ":ids" }
