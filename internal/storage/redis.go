package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"groupcast/pkg/logx"
)

const redisKeyPrefix = "groupcast:lastsent:"

type redisStore struct {
	client *redis.Client
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	log.Debug("redis store ready", logx.String("addr", addr))
	return &redisStore{client: client, log: log}, nil
}

func (s *redisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *redisStore) LastSent(ctx context.Context, destination string) (time.Time, bool, error) {
	if destination == "" {
		return time.Time{}, false, nil
	}
	raw, err := s.client.Get(ctx, redisKeyPrefix+destination).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt sent_at for %q: %w", destination, err)
	}
	return at, true, nil
}

func (s *redisStore) SetLastSent(ctx context.Context, destination string, at time.Time) error {
	if destination == "" {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	return s.client.Set(ctx, redisKeyPrefix+destination, at.Format(time.RFC3339Nano), 0).Err()
}
