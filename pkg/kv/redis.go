package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithTTLScript increments a counter and arms its TTL only on creation,
// so a fixed window's expiry is pinned to the first request in it.
// KEYS[1] = counter key, ARGV[1] = ttl millis
var incrWithTTLScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
if v == 1 and tonumber(ARGV[1]) > 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return v
`)

// hincrWithTTLScript increments a hash field, arming the hash TTL only when
// it has none. KEYS[1] = hash key, ARGV[1] = field, ARGV[2] = delta,
// ARGV[3] = ttl millis
var hincrWithTTLScript = redis.NewScript(`
local v = redis.call("HINCRBY", KEYS[1], ARGV[1], ARGV[2])
if redis.call("PTTL", KEYS[1]) < 0 and tonumber(ARGV[3]) > 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return v
`)

// saddWithTTLScript adds a set member, arming the set TTL only when it has
// none. KEYS[1] = set key, ARGV[1] = member, ARGV[2] = ttl millis
var saddWithTTLScript = redis.NewScript(`
redis.call("SADD", KEYS[1], ARGV[1])
if redis.call("PTTL", KEYS[1]) < 0 and tonumber(ARGV[2]) > 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

// Redis implements Store on a go-redis client.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: redis ping %s: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := incrWithTTLScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("kv: incr %s: %w", key, err)
	}
	return res, nil
}

func (r *Redis) HIncrBy(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	res, err := hincrWithTTLScript.Run(ctx, r.client, []string{key}, field, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("kv: hincrby %s.%s: %w", key, field, err)
	}
	return res, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: hgetall %s: %w", key, err)
	}
	return m, nil
}

func (r *Redis) SAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	if err := saddWithTTLScript.Run(ctx, r.client, []string{key}, member, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("kv: sadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: smembers %s: %w", key, err)
	}
	return members, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
