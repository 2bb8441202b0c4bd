package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/site"
)

// putIfNewer stores a state unless the stored one was computed later.
// KEYS[1] = state hash
// KEYS[2] = computedAt hash
// ARGV[1] = location
// ARGV[2] = computedAt in unix milliseconds
// ARGV[3] = state JSON
var putIfNewer = redis.NewScript(`
local cur = redis.call("HGET", KEYS[2], ARGV[1])
if cur and tonumber(cur) > tonumber(ARGV[2]) then
    return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// Redis shares current states between replicas.
type Redis struct {
	client    redis.UniversalClient
	statesKey string
	atKey     string
}

var _ Cache = (*Redis)(nil)

// NewRedis creates a cache under the given key prefix, e.g. "siterisk:north-mine".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{
		client:    client,
		statesKey: prefix + ":current",
		atKey:     prefix + ":computed_at",
	}
}

// Dial parses a redis:// URL and pings the server.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}
	return client, nil
}

func (r *Redis) Put(ctx context.Context, s *risk.State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("cache: encode state: %w", err)
	}
	err = putIfNewer.Run(ctx, r.client, []string{r.statesKey, r.atKey},
		s.Location.String(), s.ComputedAt.UnixMilli(), data).Err()
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", s.Location, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, loc site.Ref) (*risk.State, error) {
	data, err := r.client.HGet(ctx, r.statesKey, loc.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get %s: %w", loc, err)
	}
	var s risk.State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("cache: decode %s: %w", loc, err)
	}
	return &s, nil
}

func (r *Redis) All(ctx context.Context) ([]*risk.State, error) {
	fields, err := r.client.HGetAll(ctx, r.statesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: list: %w", err)
	}
	out := make([]*risk.State, 0, len(fields))
	for loc, data := range fields {
		var s risk.State
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return nil, fmt.Errorf("cache: decode %s: %w", loc, err)
		}
		out = append(out, &s)
	}
	sortStates(out)
	return out, nil
}

// Ping reports whether redis is reachable, for health checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
