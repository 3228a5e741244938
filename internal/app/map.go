package app

import (
	"fmt"
	"strings"
	"time"

	"notifyd/internal/admin"
	"notifyd/internal/config"
	"notifyd/internal/ephemeral"
	"notifyd/internal/notify"
	"notifyd/internal/presence"
	"notifyd/internal/queue"
	"notifyd/internal/ratelimit"
	"notifyd/internal/schedule"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    l.Operator.Enabled,
			Path:       l.Operator.Path,
			MinLevel:   l.Operator.MinLevel,
			RatePerSec: l.Operator.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite":
		driver = "sqlite"
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapEphemeralConfig(cfg *config.Config) (ephemeral.Config, error) {
	ec := cfg.Ephemeral
	dial, err := config.ParseDurationOrDefault("ephemeral.dial_timeout", ec.DialTimeout, 5*time.Second)
	if err != nil {
		return ephemeral.Config{}, err
	}
	return ephemeral.Config{Driver: ec.Driver, URL: strings.TrimSpace(ec.URL), DialTimeout: dial}, nil
}

// mapRateLimitConfig starts from the built-in defaults so an omitted
// actor_caps keeps the profile_view cap.
func mapRateLimitConfig(cfg *config.Config) (ratelimit.Config, error) {
	rc := cfg.RateLimit
	out := ratelimit.DefaultConfig()
	if rc.DefaultMax > 0 {
		out.DefaultMax = rc.DefaultMax
	}
	if p := notify.RatePeriod(strings.TrimSpace(rc.DefaultPeriod)); p != "" {
		if !p.Valid() {
			return ratelimit.Config{}, fmt.Errorf("ratelimit.default_period: unknown period %q", p)
		}
		out.DefaultPeriod = p
	}
	ttl, err := config.ParseDurationOrDefault("ratelimit.dedup_ttl", rc.DedupTTL, out.DedupTTL)
	if err != nil {
		return ratelimit.Config{}, err
	}
	out.DedupTTL = ttl

	if len(rc.ActorCaps) > 0 {
		out.ActorCaps = make(map[notify.Trigger]int, len(rc.ActorCaps))
		for name, n := range rc.ActorCaps {
			t, err := notify.ParseTrigger(name)
			if err != nil {
				return ratelimit.Config{}, fmt.Errorf("ratelimit.actor_caps: %w", err)
			}
			out.ActorCaps[t] = n
		}
	}
	if len(rc.Triggers) > 0 {
		out.TriggerLimits = make(map[notify.Trigger]notify.RateOverride, len(rc.Triggers))
		for name, lim := range rc.Triggers {
			t, err := notify.ParseTrigger(name)
			if err != nil {
				return ratelimit.Config{}, fmt.Errorf("ratelimit.triggers: %w", err)
			}
			p := notify.RatePeriod(strings.TrimSpace(lim.Period))
			if p != "" && !p.Valid() {
				return ratelimit.Config{}, fmt.Errorf("ratelimit.triggers.%s.period: unknown period %q", name, p)
			}
			out.TriggerLimits[t] = notify.RateOverride{Max: lim.Max, Period: p}
		}
	}
	return out, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	qc := cfg.Queue
	out := queue.Config{
		BatchSize:   qc.BatchSize,
		Workers:     qc.Workers,
		ClaimBatch:  qc.ClaimBatch,
		RatePerSec:  qc.RatePerSec,
		MaxAttempts: qc.MaxAttempts,
	}
	durs := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"queue.flush_interval", qc.FlushInterval, &out.FlushInterval},
		{"queue.poll_interval", qc.PollInterval, &out.PollInterval},
		{"queue.claim_timeout", qc.ClaimTimeout, &out.ClaimTimeout},
		{"queue.send_timeout", qc.SendTimeout, &out.SendTimeout},
		{"queue.retry_base", qc.RetryBase, &out.RetryBase},
		{"queue.retry_max_delay", qc.RetryMaxDelay, &out.RetryMaxDelay},
	}
	for _, d := range durs {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return queue.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (schedule.Config, error) {
	sc := cfg.Scheduler
	every, err := config.ParseDurationOrDefault("scheduler.due_check_interval", sc.DueCheckInterval, time.Minute)
	if err != nil {
		return schedule.Config{}, err
	}
	if every > time.Hour {
		return schedule.Config{}, fmt.Errorf("scheduler.due_check_interval must be <= 1h, got %s", every)
	}
	stale, err := config.ParseDurationField("scheduler.stale_after", sc.StaleAfter)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{
		Enabled:          sc.Enabled,
		DueCheckInterval: every,
		DueBatch:         sc.DueBatch,
		StaleAfter:       stale,
	}, nil
}

func mapPresenceConfig(cfg *config.Config) (presence.Config, error) {
	pc := cfg.Presence
	ttl, err := config.ParseDurationField("presence.ttl", pc.TTL)
	if err != nil {
		return presence.Config{}, err
	}
	sweep, err := config.ParseDurationField("presence.sweep_interval", pc.SweepInterval)
	if err != nil {
		return presence.Config{}, err
	}
	return presence.Config{TTL: ttl, SweepInterval: sweep, Channel: strings.TrimSpace(pc.Channel)}, nil
}

func mapAdminConfig(cfg *config.Config) admin.Config {
	return admin.Config{
		Addr:      strings.TrimSpace(cfg.Admin.Addr),
		JWTSecret: cfg.Admin.JWTSecret,
		Pprof: admin.PprofConfig{
			Enabled:              cfg.Admin.Pprof.Enabled,
			MutexProfileFraction: cfg.Admin.Pprof.MutexProfileFraction,
			BlockProfileRate:     cfg.Admin.Pprof.BlockProfileRate,
			MemProfileRate:       cfg.Admin.Pprof.MemProfileRate,
		},
	}
}

// validateComponents runs every mapping so a reload that a component would
// reject never gets committed.
func validateComponents(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEphemeralConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRateLimitConfig(cfg); err != nil {
		return err
	}
	if _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPresenceConfig(cfg); err != nil {
		return err
	}
	return nil
}
