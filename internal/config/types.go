package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Ephemeral EphemeralConfig `json:"ephemeral"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	Queue     QueueConfig     `json:"queue"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Presence  PresenceConfig  `json:"presence"`
	Admin     AdminConfig     `json:"admin"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOperator routes warn+ records (terminally failed jobs, failed
// executions) to a separate JSONL file that on-call tooling tails.
type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// EphemeralConfig selects the TTL store for presence, dedup keys and
// rate-limit counters. Driver is "memory" (single node) or "redis".
type EphemeralConfig struct {
	Driver      string `json:"driver"`
	URL         string `json:"url,omitempty"` // may carry a password (do not log)
	DialTimeout string `json:"dial_timeout,omitempty"`
}

// RateLimitConfig holds the defaults applied when a user has no override.
//
// Defaults (when fields are omitted/zero):
//   - default_max: 20
//   - default_period: "day"
//   - dedup_ttl: "168h"
//   - actor_caps: {"profile_view": 3}
type RateLimitConfig struct {
	DefaultMax    int                        `json:"default_max,omitempty"`
	DefaultPeriod string                     `json:"default_period,omitempty"`
	DedupTTL      string                     `json:"dedup_ttl,omitempty"`
	ActorCaps     map[string]int             `json:"actor_caps,omitempty"`
	Triggers      map[string]TriggerLimitRaw `json:"triggers,omitempty"`
}

type TriggerLimitRaw struct {
	Max    int    `json:"max"`
	Period string `json:"period,omitempty"`
}

// QueueConfig controls batching and the delivery worker.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type QueueConfig struct {
	BatchSize     int    `json:"batch_size,omitempty"`
	FlushInterval string `json:"flush_interval,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	PollInterval  string `json:"poll_interval,omitempty"`
	ClaimBatch    int    `json:"claim_batch,omitempty"`
	ClaimTimeout  string `json:"claim_timeout,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// SchedulerConfig controls the due-check loop. due_check_interval must not
// exceed one hour.
type SchedulerConfig struct {
	Enabled          bool   `json:"enabled"`
	DueCheckInterval string `json:"due_check_interval,omitempty"`
	DueBatch         int    `json:"due_batch,omitempty"`
	StaleAfter       string `json:"stale_after,omitempty"`
}

type PresenceConfig struct {
	TTL           string `json:"ttl,omitempty"`
	SweepInterval string `json:"sweep_interval,omitempty"`
	Channel       string `json:"channel,omitempty"`
}

// AdminConfig controls the HTTP admin surface.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - When jwt_secret is set every /api route requires an HS256 bearer token.
type AdminConfig struct {
	Enabled   bool        `json:"enabled"`
	Addr      string      `json:"addr,omitempty"`       // default: "127.0.0.1:8080"
	JWTSecret string      `json:"jwt_secret,omitempty"` // do not log
	Pprof     PprofConfig `json:"pprof"`
}

// PprofConfig exposes /debug/pprof on the admin listener.
type PprofConfig struct {
	Enabled              bool `json:"enabled"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`
	MemProfileRate       int  `json:"mem_profile_rate,omitempty"`
}
