package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mantis-sec/mantis/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.SSH.Port != 2222 || cfg.SSH.Banner != "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6" {
		t.Errorf("ssh defaults: %+v", cfg.SSH)
	}
	if cfg.Dashboard.Port != 8843 || cfg.Dashboard.Host != "0.0.0.0" {
		t.Errorf("dashboard defaults: %+v", cfg.Dashboard)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "honeypot.db" {
		t.Errorf("database defaults: %+v", cfg.Database)
	}
	if got := cfg.EnabledServices(); len(got) != 11 {
		t.Errorf("expected all 11 services enabled, got %v", got)
	}
	if ports := config.ExtraPorts(&cfg.Telnet); len(ports) != 1 || ports[0] != 23 {
		t.Errorf("telnet additional_ports default: %v", ports)
	}
}

func TestLoadPartialOverride(t *testing.T) {
	path := writeTemp(t, `
ssh:
  port: 2022
  banner: "SSH-2.0-OpenSSH_7.4"
  hostname: db-primary
mysql:
  enabled: false
dashboard:
  port: 9000
  auth_token: sekrit
alerts:
  webhook_url: https://hooks.example.com/mantis
  webhook_headers:
    X-Key: abc
log_level: DEBUG
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SSH.Port != 2022 || cfg.SSH.Banner != "SSH-2.0-OpenSSH_7.4" {
		t.Errorf("ssh override: %+v", cfg.SSH)
	}
	if cfg.SSH.Extra["hostname"] != "db-primary" {
		t.Errorf("unknown service key should land in extra: %v", cfg.SSH.Extra)
	}
	if cfg.SSH.Enabled != true {
		t.Error("untouched keys must keep defaults")
	}
	if cfg.MySQL.Enabled {
		t.Error("mysql should be disabled")
	}
	if cfg.Dashboard.Port != 9000 || cfg.Dashboard.AuthToken != "sekrit" {
		t.Errorf("dashboard override: %+v", cfg.Dashboard)
	}
	if cfg.Alerts.WebhookHeaders["X-Key"] != "abc" {
		t.Errorf("webhook headers: %v", cfg.Alerts.WebhookHeaders)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level not normalized: %q", cfg.LogLevel)
	}
}

func TestLoadRejectsPortCollision(t *testing.T) {
	path := writeTemp(t, `
ssh:
  port: 8080
`)
	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "already used") {
		t.Fatalf("expected port collision error, got %v", err)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := writeTemp(t, `
ssh:
  port: 99999
database:
  driver: oracle
log_level: loud
`)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"out of range", "database.driver", "log_level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestPostgresRequiresDSN(t *testing.T) {
	path := writeTemp(t, `
database:
  driver: postgres
`)
	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "database.dsn") {
		t.Fatalf("expected dsn error, got %v", err)
	}
}

func TestExportRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.SSH.Port = 2022
	cfg.SSH.Extra = map[string]any{"hostname": "db-primary"}
	cfg.Redis.Enabled = false
	cfg.Alerts.WebhookURL = "https://hooks.example.com/mantis"
	cfg.Dashboard.AuthToken = "must-not-leak"

	data, err := cfg.ExportYAML()
	if err != nil {
		t.Fatalf("ExportYAML: %v", err)
	}
	if strings.Contains(string(data), "must-not-leak") {
		t.Fatal("auth token leaked into export")
	}

	path := filepath.Join(t.TempDir(), "exported.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, err := config.Load(path)
	if err != nil {
		t.Fatalf("reload exported config: %v", err)
	}
	if back.SSH.Port != 2022 || back.SSH.Extra["hostname"] != "db-primary" {
		t.Errorf("ssh did not round-trip: %+v", back.SSH)
	}
	if back.Redis.Enabled {
		t.Error("redis enabled flag did not round-trip")
	}
	if back.Alerts.WebhookURL != cfg.Alerts.WebhookURL {
		t.Errorf("webhook url did not round-trip: %q", back.Alerts.WebhookURL)
	}
}

func TestSaveReturnsAbsolutePath(t *testing.T) {
	cfg := config.Default()
	path := filepath.Join(t.TempDir(), "out.yaml")
	abs, err := cfg.Save(path)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !filepath.IsAbs(abs) {
		t.Errorf("path not absolute: %q", abs)
	}
	if _, err := os.Stat(abs); err != nil {
		t.Errorf("saved file missing: %v", err)
	}
}

func TestSnapshotExcludesAuthToken(t *testing.T) {
	cfg := config.Default()
	cfg.Dashboard.AuthToken = "sekrit"
	snap := cfg.Snapshot()
	dash := snap["dashboard"].(map[string]any)
	if _, ok := dash["auth_token"]; ok {
		t.Fatal("snapshot leaked auth token")
	}
	if len(snap) != len(config.ServiceNames)+4 {
		t.Errorf("snapshot keys: %d", len(snap))
	}
}

func TestExtraPortsFormats(t *testing.T) {
	cases := []struct {
		extra any
		want  int
	}{
		{[]any{23, 2324}, 2},
		{"23, 2324", 2},
		{"", 0},
		{nil, 0},
	}
	for _, tc := range cases {
		sc := &config.ServiceConfig{Extra: map[string]any{"additional_ports": tc.extra}}
		if got := config.ExtraPorts(sc); len(got) != tc.want {
			t.Errorf("ExtraPorts(%v) = %v, want %d ports", tc.extra, got, tc.want)
		}
	}
}

func TestWatchFileReload(t *testing.T) {
	path := writeTemp(t, "ssh:\n  port: 2222\n")

	var reloads atomic.Int64
	gotPort := make(chan int, 4)
	w, err := config.WatchFile(path, nil, func(cfg *config.Config) {
		reloads.Add(1)
		gotPort <- cfg.SSH.Port
	})
	if err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	t.Cleanup(w.Stop)

	if err := os.WriteFile(path, []byte("ssh:\n  port: 2022\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case port := <-gotPort:
		if port != 2022 {
			t.Fatalf("reloaded port = %d", port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}
