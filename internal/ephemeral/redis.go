package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis server.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to redisURL (redis://[:password@]host:port/db).
func NewRedis(ctx context.Context, redisURL string, dialTimeout time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if dialTimeout > 0 {
		opt.DialTimeout = dialTimeout
	}
	client := redis.NewClient(opt)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(client *redis.Client) *Redis { return &Redis{client: client} }

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return unavailable("set", r.client.Set(ctx, key, value, ttl).Err())
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	return ok, unavailable("setnx", err)
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", err)
	}
	return v, true, nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, unavailable("exists", err)
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return unavailable("del", r.client.Del(ctx, keys...).Err())
}

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, unavailable("incr", err)
	}
	if n == 1 && ttl > 0 {
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, unavailable("expire", err)
		}
	}
	return n, nil
}

func (r *Redis) Decr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Decr(ctx, key).Result()
	return n, unavailable("decr", err)
}

func (r *Redis) SAdd(ctx context.Context, set, member string) error {
	return unavailable("sadd", r.client.SAdd(ctx, set, member).Err())
}

func (r *Redis) SRem(ctx context.Context, set, member string) error {
	return unavailable("srem", r.client.SRem(ctx, set, member).Err())
}

func (r *Redis) SMembers(ctx context.Context, set string) ([]string, error) {
	v, err := r.client.SMembers(ctx, set).Result()
	return v, unavailable("smembers", err)
}

func (r *Redis) PutMember(ctx context.Context, key, value string, ttl time.Duration, set, member string) (bool, bool, error) {
	var (
		exists *redis.IntCmd
		added  *redis.IntCmd
	)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		exists = p.Exists(ctx, key)
		p.Set(ctx, key, value, ttl)
		added = p.SAdd(ctx, set, member)
		return nil
	})
	if err != nil {
		return false, false, unavailable("put member", err)
	}
	fresh := exists.Val() == 0
	return fresh, fresh && added.Val() == 0, nil
}

func (r *Redis) DropMember(ctx context.Context, key, set, member string) (bool, error) {
	var del, srem *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, key)
		srem = p.SRem(ctx, set, member)
		return nil
	})
	if err != nil {
		return false, unavailable("drop member", err)
	}
	return del.Val() > 0 || srem.Val() > 0, nil
}

func (r *Redis) Publish(ctx context.Context, channel, message string) error {
	return unavailable("publish", r.client.Publish(ctx, channel, message).Err())
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ps := r.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, unavailable("subscribe", err)
	}

	out := make(chan string, 256)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}

	msgs := ps.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				cancel()
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- m.Payload:
				case <-done:
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return unavailable("ping", r.client.Ping(ctx).Err())
}

func (r *Redis) Close() error { return r.client.Close() }
