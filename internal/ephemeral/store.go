// Package ephemeral is the TTL key/value store behind presence records, rate
// limit counters and dedup markers. Redis is the production backend; the
// in-memory backend serves single-node deployments and tests.
package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/notify"
	logx "notifyd/pkg/logx"
)

// Store is the subset of Redis semantics notifyd relies on. A ttl of zero
// means the key never expires.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets key only if it is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error

	// Incr increments key and applies ttl when the increment created it.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, set, member string) error
	SRem(ctx context.Context, set, member string) error
	SMembers(ctx context.Context, set string) ([]string, error)

	// PutMember sets key (with ttl) and adds member to set in one atomic step.
	// fresh is true when key did not exist before. lapsed is true when key
	// was gone but member was still in set, i.e. the key expired unnoticed.
	PutMember(ctx context.Context, key, value string, ttl time.Duration, set, member string) (fresh, lapsed bool, err error)
	// DropMember deletes key and removes member from set in one atomic step.
	// existed is true when either was present.
	DropMember(ctx context.Context, key, set, member string) (existed bool, err error)

	Publish(ctx context.Context, channel, message string) error
	// Subscribe delivers messages published on channel until cancel is called
	// or ctx ends; the returned channel is then closed.
	Subscribe(ctx context.Context, channel string) (msgs <-chan string, cancel func(), err error)

	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
//
// Driver values:
//   - "memory": in-process maps (single node)
//   - "redis":  go-redis client for URL
type Config struct {
	Driver      string
	URL         string
	DialTimeout time.Duration
}

// Open returns the configured backend.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		log.Info("ephemeral store: memory")
		return NewMemory(), nil
	case "redis":
		st, err := NewRedis(ctx, cfg.URL, cfg.DialTimeout)
		if err != nil {
			return nil, err
		}
		log.Info("ephemeral store: redis")
		return st, nil
	default:
		return nil, errors.New("unknown ephemeral driver: " + cfg.Driver)
	}
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ephemeral %s: %w: %w", op, notify.ErrStoreUnavailable, err)
}
