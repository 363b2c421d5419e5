package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.PollInterval != 5*time.Second || cfg.Worker.Lease != 5*time.Minute {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.RateLimit.SoftRate != 8 || cfg.RateLimit.HardRate != 3 || cfg.RateLimit.WarnCooldown != 30*time.Second {
		t.Errorf("ratelimit = %+v", cfg.RateLimit)
	}
	if cfg.Cache.TTL != 5*time.Minute || cfg.Cron.CheckInterval != 30*time.Second {
		t.Errorf("cache.ttl = %v, cron.check_interval = %v", cfg.Cache.TTL, cfg.Cron.CheckInterval)
	}
	if cfg.Remote.Enabled() {
		t.Error("remote enabled without spreadsheet id")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeTempConfig(t, "leadflow.yaml", `
database:
  path: /var/lib/leadflow.db
worker:
  workers: 8
  poll_interval: 250ms
followup:
  offsets: ["1h", "3h", "7h"]
remote:
  spreadsheet_id: abc
  credentials_file: /etc/sa.json
  tables:
    leads: Leads
admin_ids: [1, 2]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/var/lib/leadflow.db" || cfg.Worker.Workers != 8 || cfg.Worker.PollInterval != 250*time.Millisecond {
		t.Errorf("cfg = %+v", cfg)
	}
	want := []time.Duration{time.Hour, 3 * time.Hour, 7 * time.Hour}
	if len(cfg.Followup.Offsets) != 3 || cfg.Followup.Offsets[2] != want[2] {
		t.Errorf("offsets = %v", cfg.Followup.Offsets)
	}
	if !cfg.Remote.Enabled() || cfg.Remote.Tables["leads"] != "Leads" {
		t.Errorf("remote = %+v", cfg.Remote)
	}
	if len(cfg.AdminIDs) != 2 {
		t.Errorf("admin_ids = %v", cfg.AdminIDs)
	}
	if cfg.Worker.BatchSize != 50 {
		t.Errorf("unset field lost its default: batch_size = %d", cfg.Worker.BatchSize)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	tests := []struct {
		name, file, content, want string
	}{
		{"unknown key", "c.yaml", "worker:\n  threads: 3\n", "unknown field"},
		{"bad duration", "c.yaml", "cache:\n  ttl: soon\n", "cache.ttl"},
		{"negative duration", "c.json", `{"worker":{"lease":"-1s"}}`, "worker.lease"},
		{"zero offset", "c.yaml", "followup:\n  offsets: [\"0s\"]\n", "followup.offsets[0]"},
		{"missing credentials", "c.yaml", "remote:\n  spreadsheet_id: abc\n", "credentials"},
		{"log format", "c.yaml", "logging:\n  format: xml\n", "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tt.file, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LEADFLOW_TELEGRAM_TOKEN", "tok")
	t.Setenv("LEADFLOW_DB_PATH", "/tmp/x.db")
	t.Setenv("LEADFLOW_ADMIN_IDS", "10, 20")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "tok" || cfg.Database.Path != "/tmp/x.db" {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.AdminIDs) != 2 || cfg.AdminIDs[1] != 20 {
		t.Errorf("admin ids = %v", cfg.AdminIDs)
	}

	t.Setenv("LEADFLOW_ADMIN_IDS", "ten")
	if _, err := Load(""); err == nil {
		t.Error("bad admin id accepted")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	if err != nil || d != time.Minute {
		t.Errorf("empty = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "2s", time.Minute)
	if err != nil || d != 2*time.Second {
		t.Errorf("2s = %v, %v", d, err)
	}
}
