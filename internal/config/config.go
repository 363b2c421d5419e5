// Package config loads the leadflow configuration from a YAML or JSON file
// with LEADFLOW_* environment overrides.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m"). Omitted
// or zero values fall back to the defaults below.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Database  DatabaseConfig  `json:"database"`
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Worker    WorkerConfig    `json:"worker"`
	Cron      CronConfig      `json:"cron"`
	Cache     CacheConfig     `json:"cache"`
	Remote    RemoteConfig    `json:"remote"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	Telegram  TelegramConfig  `json:"telegram"`
	Followup  FollowupConfig  `json:"followup"`
	CRM       CRMConfig       `json:"crm"`

	// AdminIDs bypass the rate limiters and receive the digest.
	AdminIDs []int64 `json:"admin_ids,omitempty"`
}

type DatabaseConfig struct {
	Path           string        `json:"path,omitempty"`
	BusyTimeoutRaw string        `json:"busy_timeout,omitempty"`
	BusyTimeout    time.Duration `json:"-"`
}

type HTTPConfig struct {
	Addr  string `json:"addr,omitempty"`
	Debug bool   `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // console or json
	File   string `json:"file,omitempty"`
}

type WorkerConfig struct {
	Workers         int           `json:"workers,omitempty"`
	BatchSize       int           `json:"batch_size,omitempty"`
	PollIntervalRaw string        `json:"poll_interval,omitempty"`
	LeaseRaw        string        `json:"lease,omitempty"`
	PollInterval    time.Duration `json:"-"`
	Lease           time.Duration `json:"-"`
}

type CronConfig struct {
	CheckIntervalRaw string        `json:"check_interval,omitempty"`
	CheckInterval    time.Duration `json:"-"`
	Digest           string        `json:"digest,omitempty"`
	DigestHours      int           `json:"digest_hours,omitempty"`
	Prune            string        `json:"prune,omitempty"`
	RetentionDays    int           `json:"retention_days,omitempty"`
}

type CacheConfig struct {
	TTLRaw string        `json:"ttl,omitempty"`
	TTL    time.Duration `json:"-"`
}

type RemoteConfig struct {
	SpreadsheetID   string            `json:"spreadsheet_id,omitempty"`
	CredentialsFile string            `json:"credentials_file,omitempty"`
	CredentialsJSON string            `json:"credentials_json,omitempty"`
	Tables          map[string]string `json:"tables,omitempty"` // table -> sheet title
	MaxRetries      int               `json:"max_retries,omitempty"`
	InitialDelayRaw string            `json:"initial_delay,omitempty"`
	DegradedAfter   int               `json:"degraded_after,omitempty"`
	DeferDelayRaw   string            `json:"defer_delay,omitempty"`
	InitialDelay    time.Duration     `json:"-"`
	DeferDelay      time.Duration     `json:"-"`
}

// Enabled reports whether a spreadsheet is configured.
func (r RemoteConfig) Enabled() bool { return r.SpreadsheetID != "" }

type RateLimitConfig struct {
	SoftRate        int           `json:"soft_rate,omitempty"`
	SoftPeriodRaw   string        `json:"soft_period,omitempty"`
	WarnCooldownRaw string        `json:"warn_cooldown,omitempty"`
	HardRate        int           `json:"hard_rate,omitempty"`
	HardPeriodRaw   string        `json:"hard_period,omitempty"`
	SoftPeriod      time.Duration `json:"-"`
	WarnCooldown    time.Duration `json:"-"`
	HardPeriod      time.Duration `json:"-"`
}

type TelegramConfig struct {
	Token          string        `json:"token,omitempty"`
	PollTimeoutRaw string        `json:"poll_timeout,omitempty"`
	RatePerSecond  float64       `json:"rate_per_second,omitempty"`
	RetryMax       int           `json:"retry_max,omitempty"`
	PollTimeout    time.Duration `json:"-"`
}

type FollowupConfig struct {
	OffsetsRaw  []string        `json:"offsets,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Offsets     []time.Duration `json:"-"`
}

type CRMConfig struct {
	URL         string        `json:"url,omitempty"`
	Token       string        `json:"token,omitempty"`
	TimeoutRaw  string        `json:"timeout,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Timeout     time.Duration `json:"-"`
}

func defaults() Config {
	return Config{
		Database: DatabaseConfig{Path: "leadflow.db"},
		HTTP:     HTTPConfig{Addr: ":8080"},
		Logging:  LoggingConfig{Level: "info", Format: "console"},
		Worker:   WorkerConfig{Workers: 4, BatchSize: 50},
		Cron: CronConfig{
			Digest:        "0 9 * * *",
			DigestHours:   24,
			Prune:         "0 3 * * 0",
			RetentionDays: 90,
		},
		Remote:    RemoteConfig{MaxRetries: 3, DegradedAfter: 5},
		RateLimit: RateLimitConfig{SoftRate: 8, HardRate: 3},
		Telegram:  TelegramConfig{RatePerSecond: 25, RetryMax: 2},
		Followup:  FollowupConfig{MaxAttempts: 3},
		CRM:       CRMConfig{MaxAttempts: 5},
	}
}

// Load reads path (YAML by extension, JSON otherwise), applies environment
// overrides and resolves durations. An empty path uses defaults only.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnvOverrides(&cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("parse config %s: trailing data", path)
	}
	return nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) error {
	str := map[string]*string{
		"LEADFLOW_DB_PATH":                 &cfg.Database.Path,
		"LEADFLOW_HTTP_ADDR":               &cfg.HTTP.Addr,
		"LEADFLOW_LOG_LEVEL":               &cfg.Logging.Level,
		"LEADFLOW_LOG_FORMAT":              &cfg.Logging.Format,
		"LEADFLOW_TELEGRAM_TOKEN":          &cfg.Telegram.Token,
		"LEADFLOW_SPREADSHEET_ID":          &cfg.Remote.SpreadsheetID,
		"LEADFLOW_GOOGLE_CREDENTIALS":      &cfg.Remote.CredentialsFile,
		"LEADFLOW_GOOGLE_CREDENTIALS_JSON": &cfg.Remote.CredentialsJSON,
		"LEADFLOW_CRM_URL":                 &cfg.CRM.URL,
		"LEADFLOW_CRM_TOKEN":               &cfg.CRM.Token,
	}
	for name, dst := range str {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	if v := strings.TrimSpace(getenv("LEADFLOW_ADMIN_IDS")); v != "" {
		ids, err := parseIDs(v)
		if err != nil {
			return fmt.Errorf("LEADFLOW_ADMIN_IDS: %w", err)
		}
		cfg.AdminIDs = ids
	}
	return nil
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", f)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Config) resolve() error {
	var d durations
	d.parse(&c.Database.BusyTimeout, "database.busy_timeout", c.Database.BusyTimeoutRaw, 5*time.Second)
	d.parse(&c.Worker.PollInterval, "worker.poll_interval", c.Worker.PollIntervalRaw, 5*time.Second)
	d.parse(&c.Worker.Lease, "worker.lease", c.Worker.LeaseRaw, 5*time.Minute)
	d.parse(&c.Cron.CheckInterval, "cron.check_interval", c.Cron.CheckIntervalRaw, 30*time.Second)
	d.parse(&c.Cache.TTL, "cache.ttl", c.Cache.TTLRaw, 5*time.Minute)
	d.parse(&c.Remote.InitialDelay, "remote.initial_delay", c.Remote.InitialDelayRaw, time.Second)
	d.parse(&c.Remote.DeferDelay, "remote.defer_delay", c.Remote.DeferDelayRaw, time.Minute)
	d.parse(&c.RateLimit.SoftPeriod, "ratelimit.soft_period", c.RateLimit.SoftPeriodRaw, time.Minute)
	d.parse(&c.RateLimit.WarnCooldown, "ratelimit.warn_cooldown", c.RateLimit.WarnCooldownRaw, 30*time.Second)
	d.parse(&c.RateLimit.HardPeriod, "ratelimit.hard_period", c.RateLimit.HardPeriodRaw, time.Minute)
	d.parse(&c.Telegram.PollTimeout, "telegram.poll_timeout", c.Telegram.PollTimeoutRaw, 10*time.Second)
	d.parse(&c.CRM.Timeout, "crm.timeout", c.CRM.TimeoutRaw, 30*time.Second)
	if d.err != nil {
		return d.err
	}

	c.Followup.Offsets = nil
	for i, raw := range c.Followup.OffsetsRaw {
		off, err := ParseDurationField(fmt.Sprintf("followup.offsets[%d]", i), raw)
		if err != nil {
			return err
		}
		if off <= 0 {
			return fmt.Errorf("followup.offsets[%d]: must be > 0", i)
		}
		c.Followup.Offsets = append(c.Followup.Offsets, off)
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Worker.Workers < 1 {
		return errors.New("worker.workers must be >= 1")
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	if c.Remote.Enabled() && c.Remote.CredentialsFile == "" && c.Remote.CredentialsJSON == "" {
		return errors.New("remote: spreadsheet_id is set but no credentials are configured")
	}
	return nil
}
