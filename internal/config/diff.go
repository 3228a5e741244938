package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notifyd/pkg/logx"
)

// RestartSections are applied only at startup; a reload that changes them
// is logged and otherwise ignored.
var RestartSections = map[string]bool{
	"storage":   true,
	"ephemeral": true,
	"admin":     true,
}

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (redis URL, JWT secret) are only
// reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.operator_enabled", newCfg.Logging.Operator.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Ephemeral != newCfg.Ephemeral {
		changed = append(changed, "ephemeral")
		attrs = append(attrs,
			logx.String("ephemeral.driver", strings.TrimSpace(newCfg.Ephemeral.Driver)),
			logx.Bool("ephemeral.url_set", strings.TrimSpace(newCfg.Ephemeral.URL) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "ratelimit")
		attrs = append(attrs,
			logx.Int("ratelimit.default_max", newCfg.RateLimit.DefaultMax),
			logx.String("ratelimit.default_period", newCfg.RateLimit.DefaultPeriod),
			logx.Int("ratelimit.actor_caps", len(newCfg.RateLimit.ActorCaps)),
			logx.Int("ratelimit.trigger_overrides", len(newCfg.RateLimit.Triggers)),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.batch_size", newCfg.Queue.BatchSize),
			logx.Int("queue.workers", newCfg.Queue.Workers),
			logx.Int("queue.rate_per_sec", newCfg.Queue.RatePerSec),
			logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.due_check_interval", strings.TrimSpace(newCfg.Scheduler.DueCheckInterval)),
		)
	}

	if oldCfg.Presence != newCfg.Presence {
		changed = append(changed, "presence")
		attrs = append(attrs, logx.String("presence.ttl", strings.TrimSpace(newCfg.Presence.TTL)))
	}

	if oldCfg.Admin.Enabled != newCfg.Admin.Enabled ||
		strings.TrimSpace(oldCfg.Admin.Addr) != strings.TrimSpace(newCfg.Admin.Addr) ||
		(oldCfg.Admin.JWTSecret != "") != (newCfg.Admin.JWTSecret != "") ||
		oldCfg.Admin.Pprof != newCfg.Admin.Pprof {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.auth", newCfg.Admin.JWTSecret != ""),
			logx.Bool("admin.pprof", newCfg.Admin.Pprof.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
