package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/notify"
)

// Default returns the configuration used when no file is given: in-memory
// ephemeral store, SQLite next to the binary, scheduler on, admin API on
// localhost without auth.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Operator: LoggingOperator{
				MinLevel:   "warn",
				RatePerSec: 5,
			},
		},
		Storage:   StorageConfig{Driver: "sqlite", Path: "./notifyd.db"},
		Ephemeral: EphemeralConfig{Driver: "memory"},
		Scheduler: SchedulerConfig{Enabled: true},
		Admin:     AdminConfig{Enabled: true, Addr: "127.0.0.1:8080"},
	}
}

// Validate rejects values that would otherwise surface only when the
// component using them starts.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			check(fmt.Errorf("%s must be >= 0", path))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
	default:
		check(fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Ephemeral.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Ephemeral.URL) == "" {
			check(errors.New("ephemeral.url is required for the redis driver"))
		}
	default:
		check(fmt.Errorf("ephemeral.driver: unsupported %q", cfg.Ephemeral.Driver))
	}
	dur("ephemeral.dial_timeout", cfg.Ephemeral.DialTimeout)

	rl := cfg.RateLimit
	nonNeg("ratelimit.default_max", rl.DefaultMax)
	if p := notify.RatePeriod(rl.DefaultPeriod); p != "" && !p.Valid() {
		check(fmt.Errorf("ratelimit.default_period: unknown period %q", rl.DefaultPeriod))
	}
	dur("ratelimit.dedup_ttl", rl.DedupTTL)
	for t, n := range rl.ActorCaps {
		if !notify.Trigger(t).Known() {
			check(fmt.Errorf("ratelimit.actor_caps: unknown trigger %q", t))
		}
		nonNeg("ratelimit.actor_caps."+t, n)
	}
	for t, l := range rl.Triggers {
		if !notify.Trigger(t).Known() {
			check(fmt.Errorf("ratelimit.triggers: unknown trigger %q", t))
		}
		nonNeg("ratelimit.triggers."+t+".max", l.Max)
		if p := notify.RatePeriod(l.Period); p != "" && !p.Valid() {
			check(fmt.Errorf("ratelimit.triggers.%s.period: unknown period %q", t, l.Period))
		}
	}

	q := cfg.Queue
	nonNeg("queue.batch_size", q.BatchSize)
	nonNeg("queue.workers", q.Workers)
	nonNeg("queue.claim_batch", q.ClaimBatch)
	nonNeg("queue.rate_per_sec", q.RatePerSec)
	nonNeg("queue.max_attempts", q.MaxAttempts)
	dur("queue.flush_interval", q.FlushInterval)
	dur("queue.poll_interval", q.PollInterval)
	dur("queue.claim_timeout", q.ClaimTimeout)
	dur("queue.send_timeout", q.SendTimeout)
	dur("queue.retry_base", q.RetryBase)
	dur("queue.retry_max_delay", q.RetryMaxDelay)

	if d, err := ParseDurationField("scheduler.due_check_interval", cfg.Scheduler.DueCheckInterval); err != nil {
		check(err)
	} else if d > time.Hour {
		check(errors.New("scheduler.due_check_interval must be <= 1h"))
	}
	nonNeg("scheduler.due_batch", cfg.Scheduler.DueBatch)
	dur("scheduler.stale_after", cfg.Scheduler.StaleAfter)

	dur("presence.ttl", cfg.Presence.TTL)
	dur("presence.sweep_interval", cfg.Presence.SweepInterval)

	if cfg.Admin.Enabled && strings.TrimSpace(cfg.Admin.Addr) == "" {
		check(errors.New("admin.addr is required when admin is enabled"))
	}
	return errors.Join(errs...)
}
