package core

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	for _, name := range config.ServiceNames {
		cfg.Service(name).Enabled = false
	}
	cfg.Dashboard.Enabled = false
	cfg.Database.Path = ":memory:"
	return cfg
}

func startOrchestrator(t *testing.T, cfg *config.Config) *Orchestrator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := New(cfg, logger)
	o.AuditPath = filepath.Join(t.TempDir(), "audit.jsonl")
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { o.Stop() })
	return o
}

// freePort grabs an ephemeral port that a service restart can bind shortly
// after.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStartStopEmpty(t *testing.T) {
	o := startOrchestrator(t, testConfig(t))
	if got := o.Running(); len(got) != 0 {
		t.Fatalf("running = %v, want none", got)
	}
	if err := o.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestUpdateServiceConfigStartsService(t *testing.T) {
	o := startOrchestrator(t, testConfig(t))
	port := freePort(t)

	snap, err := o.UpdateServiceConfig(context.Background(), models.ServiceRedis, map[string]any{
		"enabled": true,
		"port":    port,
	})
	if err != nil {
		t.Fatalf("UpdateServiceConfig: %v", err)
	}
	redis, ok := snap[models.ServiceRedis].(map[string]any)
	if !ok || redis["enabled"] != true {
		t.Fatalf("snapshot redis = %v", snap[models.ServiceRedis])
	}

	if got := o.Running(); len(got) != 1 || got[0] != models.ServiceRedis {
		t.Fatalf("running = %v", got)
	}

	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), 2*time.Second)
	if err != nil {
		t.Fatalf("dial restarted service: %v", err)
	}
	conn.Close()

	if _, err := o.UpdateServiceConfig(context.Background(), models.ServiceRedis, map[string]any{
		"enabled": false,
	}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if got := o.Running(); len(got) != 0 {
		t.Fatalf("running after disable = %v", got)
	}
}

func TestUpdateServiceConfigUnknownService(t *testing.T) {
	o := startOrchestrator(t, testConfig(t))

	_, err := o.UpdateServiceConfig(context.Background(), "gopher", map[string]any{"enabled": true})
	if err == nil || !strings.Contains(err.Error(), "unknown service") {
		t.Fatalf("err = %v", err)
	}
}

func TestUpdateServiceConfigRejectsInvalidPatch(t *testing.T) {
	cfg := testConfig(t)
	o := startOrchestrator(t, cfg)

	_, err := o.UpdateServiceConfig(context.Background(), models.ServiceSSH, map[string]any{
		"enabled": true,
		"port":    70000,
	})
	if err == nil {
		t.Fatal("out-of-range port accepted")
	}
	if cfg.SSH.Enabled {
		t.Error("invalid patch mutated the live config")
	}
}

func TestUpdateGlobalConfigReconcilesServices(t *testing.T) {
	cfg := testConfig(t)
	o := startOrchestrator(t, cfg)
	port := freePort(t)

	snap, err := o.UpdateGlobalConfig(context.Background(), map[string]any{
		"log_level": "debug",
		models.ServiceTelnet: map[string]any{
			"enabled": true,
			"port":    port,
		},
	})
	if err != nil {
		t.Fatalf("UpdateGlobalConfig: %v", err)
	}
	if snap["log_level"] != "debug" {
		t.Errorf("log_level = %v", snap["log_level"])
	}
	if got := o.Running(); len(got) != 1 || got[0] != models.ServiceTelnet {
		t.Fatalf("running = %v", got)
	}
}

func TestResetDatabase(t *testing.T) {
	o := startOrchestrator(t, testConfig(t))

	sess := &models.Session{
		ID: "s1", Service: models.ServiceSSH, SrcIP: "203.0.113.5",
		SrcPort: 4000, DstPort: 22, StartedAt: models.Now(),
	}
	if err := o.store.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if _, err := o.store.SaveEvent(context.Background(), &models.Event{
		SessionID: "s1", EventType: models.EventConnection,
		Service: models.ServiceSSH, SrcIP: "203.0.113.5", Timestamp: models.Now(),
	}); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	if err := o.ResetDatabase(context.Background()); err != nil {
		t.Fatalf("ResetDatabase: %v", err)
	}
	stats, err := o.store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalEvents != 0 || stats.TotalSessions != 0 {
		t.Fatalf("stats after reset = %+v", stats)
	}
}

func TestFullConfigSnapshotShape(t *testing.T) {
	o := startOrchestrator(t, testConfig(t))

	full := o.FullConfigSnapshot()
	for _, key := range []string{"config", "extra_schema", "banner_presets"} {
		if _, ok := full[key]; !ok {
			t.Errorf("full snapshot missing %q", key)
		}
	}
}
