package calls

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisSink appends transcript entries and turn metrics to per-call
// redis lists. Keys: transcripts:<callID>, metrics:<callID>.
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisSinkConfig configures the sink. TTL bounds how long per-call
// lists are retained; zero keeps them forever.
type RedisSinkConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func NewRedisSink(cfg RedisSinkConfig) *RedisSink {
	return &RedisSink{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		ttl: cfg.TTL,
	}
}

// Ping verifies connectivity at startup.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

func (s *RedisSink) AddTranscript(ctx context.Context, callID, role, text string) error {
	entry := TranscriptEntry{ID: uuid.NewString(), CallID: callID, Role: role, Text: text, At: time.Now()}
	return s.push(ctx, "transcripts:"+callID, entry)
}

func (s *RedisSink) AddMetric(ctx context.Context, m TurnMetric) error {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	return s.push(ctx, "metrics:"+m.CallID, m)
}

func (s *RedisSink) push(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	if s.ttl > 0 {
		s.client.Expire(ctx, key, s.ttl)
	}
	return nil
}
