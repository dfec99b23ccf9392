package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisStatePrefix = "keyward:oauth:state:"

// RedisStateStore shares states between instances. Expiry is enforced by the key TTL.
type RedisStateStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// NewRedisStateStore wraps an existing client.
func NewRedisStateStore(rdb redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{rdb: rdb, ttl: StateTTL, now: time.Now}
}

// ConnectRedis accepts a redis:// URL or a bare host:port and pings the server.
func ConnectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		o, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = o
	} else {
		opts = &redis.Options{Addr: addr}
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return c, nil
}

func (s *RedisStateStore) Issue(ctx context.Context, data StateData) (string, error) {
	state, err := newState()
	if err != nil {
		return "", err
	}
	if data.CreatedAt.IsZero() {
		data.CreatedAt = s.now()
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	if err := s.rdb.Set(ctx, redisStatePrefix+state, b, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store state: %w", err)
	}
	return state, nil
}

// Consume uses GETDEL so two instances cannot redeem the same state.
func (s *RedisStateStore) Consume(ctx context.Context, state string) (StateData, bool, error) {
	raw, err := s.rdb.GetDel(ctx, redisStatePrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return StateData{}, false, nil
	}
	if err != nil {
		return StateData{}, false, fmt.Errorf("consume state: %w", err)
	}
	var data StateData
	if err := json.Unmarshal(raw, &data); err != nil {
		return StateData{}, false, nil
	}
	return data, true, nil
}
