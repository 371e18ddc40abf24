package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mantis-sec/mantis/internal/audit"
	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/geo"
	"github.com/mantis-sec/mantis/internal/models"
	"github.com/mantis-sec/mantis/internal/storage"
)

// ─── test harness ────────────────────────────────────────────────────────────

// stubOrch is a canned Orchestrator for handler tests.
type stubOrch struct {
	snapshot   map[string]any
	updateErr  error
	savedPath  string
	resetCalls int
}

func (o *stubOrch) ConfigSnapshot() map[string]any     { return o.snapshot }
func (o *stubOrch) FullConfigSnapshot() map[string]any { return map[string]any{"config": o.snapshot} }

func (o *stubOrch) UpdateServiceConfig(_ context.Context, name string, patch map[string]any) (map[string]any, error) {
	if o.updateErr != nil {
		return nil, o.updateErr
	}
	return map[string]any{"updated": name}, nil
}

func (o *stubOrch) UpdateGlobalConfig(_ context.Context, patch map[string]any) (map[string]any, error) {
	return o.snapshot, nil
}

func (o *stubOrch) SaveConfig(path string) (string, error) {
	if path == "" {
		path = "mantis_config.yaml"
	}
	o.savedPath = path
	return "/tmp/" + path, nil
}

func (o *stubOrch) ExportConfigYAML() ([]byte, error) {
	return []byte("services:\n  ssh:\n    enabled: true\n"), nil
}

func (o *stubOrch) ResetDatabase(context.Context) error {
	o.resetCalls++
	return nil
}

// startDashboard boots a server on an ephemeral port and returns its base URL.
func startDashboard(t *testing.T, token string, orch Orchestrator) (*Server, storage.Store, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.OpenSQLite(":memory:", logger)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	auditLog, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	cfg := &config.DashboardConfig{Enabled: true, Host: "127.0.0.1", Port: 0, AuthToken: token}
	srv := New(store, geo.New(store, logger), cfg, orch, auditLog, logger)
	// Never touch the host firewall from tests.
	srv.firewall.available = false

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return srv, store, "http://" + srv.Addr()
}

func getJSON(t *testing.T, client *http.Client, url string, out any) *http.Response {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func postJSON(t *testing.T, client *http.Client, url string, body any, out any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := client.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func seedEvent(t *testing.T, store storage.Store, service, srcIP string, typ models.EventType) *models.Event {
	t.Helper()
	sess := &models.Session{
		ID: fmt.Sprintf("sess-%s-%d", service, time.Now().UnixNano()), Service: service,
		SrcIP: srcIP, SrcPort: 50000, DstPort: 22, StartedAt: models.Now(),
	}
	if err := store.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	e, err := store.SaveEvent(context.Background(), &models.Event{
		SessionID: sess.ID, EventType: typ, Service: service,
		SrcIP: srcIP, Timestamp: models.Now(),
		Data: map[string]any{"username": "root"},
	})
	if err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	return e
}

// ─── auth ────────────────────────────────────────────────────────────────────

func TestAuthFlow(t *testing.T) {
	_, _, base := startDashboard(t, "s3cret", &stubOrch{})

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	if resp := getJSON(t, client, base+"/api/stats", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /api/stats = %d, want 401", resp.StatusCode)
	}
	if resp := getJSON(t, client, base+"/", nil); resp.StatusCode != http.StatusFound {
		t.Fatalf("unauthenticated / = %d, want 302", resp.StatusCode)
	}

	var errBody map[string]string
	resp := postJSON(t, client, base+"/api/auth", map[string]string{"token": "wrong"}, &errBody)
	if resp.StatusCode != http.StatusForbidden || errBody["error"] != "invalid token" {
		t.Fatalf("wrong token = %d %v", resp.StatusCode, errBody)
	}

	resp = postJSON(t, client, base+"/api/auth", map[string]string{"token": "s3cret"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("auth = %d, want 200", resp.StatusCode)
	}
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == authCookie {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("no session cookie set")
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/api/stats", nil)
	req.AddCookie(cookie)
	if resp, err := client.Do(req); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("cookie auth failed: %v %v", err, resp)
	} else {
		resp.Body.Close()
	}

	// Scripted clients can send the raw token as a bearer credential.
	req, _ = http.NewRequest(http.MethodGet, base+"/api/stats", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	if resp, err := client.Do(req); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer auth failed: %v %v", err, resp)
	} else {
		resp.Body.Close()
	}
}

func TestAuthDisabledWhenNoToken(t *testing.T) {
	_, _, base := startDashboard(t, "", &stubOrch{})

	if resp := getJSON(t, http.DefaultClient, base+"/api/stats", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("/api/stats without token config = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	postJSON(t, http.DefaultClient, base+"/api/auth", map[string]string{}, &body)
	if body["status"] != "ok" {
		t.Fatalf("auth with no token configured = %v", body)
	}
}

// ─── data routes ─────────────────────────────────────────────────────────────

func TestEventsAndStats(t *testing.T) {
	_, store, base := startDashboard(t, "", &stubOrch{})

	seedEvent(t, store, models.ServiceSSH, "203.0.113.7", models.EventAuthAttempt)
	seedEvent(t, store, models.ServiceFTP, "203.0.113.8", models.EventCommand)

	var events []models.Event
	getJSON(t, http.DefaultClient, base+"/api/events?service=ssh", &events)
	if len(events) != 1 || events[0].Service != models.ServiceSSH {
		t.Fatalf("filtered events = %+v", events)
	}

	var page struct {
		Events []models.Event `json:"events"`
		Total  int64          `json:"total"`
	}
	getJSON(t, http.DefaultClient, base+"/api/events?paginated=1&limit=1", &page)
	if len(page.Events) != 1 || page.Total != 2 {
		t.Fatalf("paginated = %d events, total %d", len(page.Events), page.Total)
	}

	var stats storage.Stats
	getJSON(t, http.DefaultClient, base+"/api/stats", &stats)
	if stats.TotalEvents != 2 || stats.UniqueIPs != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestAlertAcknowledge(t *testing.T) {
	_, store, base := startDashboard(t, "", &stubOrch{})

	a, err := store.SaveAlert(context.Background(), &models.Alert{
		RuleName: "brute_force", Severity: models.SeverityHigh,
		SrcIP: "198.51.100.4", Service: models.ServiceSSH,
		Message: "12 auth attempts", Timestamp: models.Now(),
	})
	if err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}

	var ack map[string]string
	resp := postJSON(t, http.DefaultClient, fmt.Sprintf("%s/api/alerts/%d/ack", base, a.ID), nil, &ack)
	if resp.StatusCode != http.StatusOK || ack["status"] != "ok" {
		t.Fatalf("ack = %d %v", resp.StatusCode, ack)
	}

	var open []models.Alert
	getJSON(t, http.DefaultClient, base+"/api/alerts?unacknowledged=true", &open)
	if len(open) != 0 {
		t.Fatalf("unacknowledged after ack = %d", len(open))
	}
}

func TestSessionEventsAndIPs(t *testing.T) {
	_, store, base := startDashboard(t, "", &stubOrch{})

	e := seedEvent(t, store, models.ServiceTelnet, "192.0.2.9", models.EventCommand)

	var events []models.Event
	getJSON(t, http.DefaultClient, base+"/api/sessions/"+e.SessionID+"/events", &events)
	if len(events) != 1 || events[0].ID != e.ID {
		t.Fatalf("session events = %+v", events)
	}

	var ips []string
	getJSON(t, http.DefaultClient, base+"/api/ips", &ips)
	if len(ips) != 1 || ips[0] != "192.0.2.9" {
		t.Fatalf("ips = %v", ips)
	}
}

// ─── export ──────────────────────────────────────────────────────────────────

func TestExportTable(t *testing.T) {
	_, store, base := startDashboard(t, "", &stubOrch{})
	seedEvent(t, store, models.ServiceMySQL, "203.0.113.11", models.EventQuery)

	resp := getJSON(t, http.DefaultClient, base+"/api/export?table=passwords", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid table = %d, want 400", resp.StatusCode)
	}

	var rows []map[string]any
	resp = getJSON(t, http.DefaultClient, base+"/api/export?table=events", &rows)
	if len(rows) != 1 {
		t.Fatalf("exported %d rows, want 1", len(rows))
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "mantis_events.json") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	httpResp, err := http.Get(base + "/api/export?table=events&format=csv")
	if err != nil {
		t.Fatalf("csv export: %v", err)
	}
	defer httpResp.Body.Close()
	raw, _ := io.ReadAll(httpResp.Body)
	if ct := httpResp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("csv Content-Type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv lines = %d, want header plus one row", len(lines))
	}
	if !strings.Contains(string(raw), "203.0.113.11") {
		t.Errorf("csv missing source ip: %q", raw)
	}
}

func TestExportConfig(t *testing.T) {
	_, _, base := startDashboard(t, "", &stubOrch{})

	resp, err := http.Get(base + "/api/config/export")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-yaml" {
		t.Errorf("Content-Type = %q", ct)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "ssh:") {
		t.Errorf("yaml body = %q", raw)
	}
}

// ─── config routes ───────────────────────────────────────────────────────────

func TestConfigUpdateAndSave(t *testing.T) {
	orch := &stubOrch{snapshot: map[string]any{"log_level": "info"}}
	_, _, base := startDashboard(t, "", orch)

	var snap map[string]any
	getJSON(t, http.DefaultClient, base+"/api/config", &snap)
	if snap["log_level"] != "info" {
		t.Fatalf("config snapshot = %v", snap)
	}

	req, _ := http.NewRequest(http.MethodPut, base+"/api/config/service/ssh",
		strings.NewReader(`{"enabled": false}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	var updated map[string]any
	json.NewDecoder(resp.Body).Decode(&updated)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || updated["updated"] != "ssh" {
		t.Fatalf("service update = %d %v", resp.StatusCode, updated)
	}

	orch.updateErr = errors.New("Unknown service: gopher")
	req, _ = http.NewRequest(http.MethodPut, base+"/api/config/service/gopher",
		strings.NewReader(`{"enabled": true}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown service = %d, want 400", resp.StatusCode)
	}

	var saved map[string]string
	postJSON(t, http.DefaultClient, base+"/api/config/save", map[string]string{}, &saved)
	if saved["status"] != "ok" || !strings.HasSuffix(saved["path"], "mantis_config.yaml") {
		t.Fatalf("save = %v", saved)
	}
	if orch.savedPath != "mantis_config.yaml" {
		t.Errorf("default save path = %q", orch.savedPath)
	}
}

func TestDatabaseReset(t *testing.T) {
	orch := &stubOrch{}
	_, _, base := startDashboard(t, "", orch)

	var body map[string]string
	postJSON(t, http.DefaultClient, base+"/api/database/reset", nil, &body)
	if body["status"] != "ok" || body["message"] != "Database reset complete" {
		t.Fatalf("reset = %v", body)
	}
	if orch.resetCalls != 1 {
		t.Errorf("reset calls = %d", orch.resetCalls)
	}
}

// ─── firewall ────────────────────────────────────────────────────────────────

func TestFirewallBlockUnblock(t *testing.T) {
	_, _, base := startDashboard(t, "", &stubOrch{})

	var errBody map[string]string
	resp := postJSON(t, http.DefaultClient, base+"/api/firewall/block", map[string]string{"ip": ""}, &errBody)
	if resp.StatusCode != http.StatusBadRequest || errBody["error"] != "ip is required" {
		t.Fatalf("empty ip = %d %v", resp.StatusCode, errBody)
	}

	var blocked map[string]any
	postJSON(t, http.DefaultClient, base+"/api/firewall/block", map[string]string{"ip": "203.0.113.66"}, &blocked)
	if blocked["status"] != "blocked" || blocked["iptables_applied"] != false {
		t.Fatalf("block = %v", blocked)
	}

	postJSON(t, http.DefaultClient, base+"/api/firewall/block", map[string]string{"ip": "203.0.113.66"}, &blocked)
	if blocked["status"] != "already_blocked" {
		t.Fatalf("second block = %v", blocked)
	}

	var list struct {
		Blocked           []string `json:"blocked"`
		IptablesAvailable bool     `json:"iptables_available"`
	}
	getJSON(t, http.DefaultClient, base+"/api/firewall/blocked", &list)
	if len(list.Blocked) != 1 || list.Blocked[0] != "203.0.113.66" || list.IptablesAvailable {
		t.Fatalf("blocked list = %+v", list)
	}

	var unblocked map[string]any
	postJSON(t, http.DefaultClient, base+"/api/firewall/unblock", map[string]string{"ip": "203.0.113.66"}, &unblocked)
	if unblocked["status"] != "unblocked" {
		t.Fatalf("unblock = %v", unblocked)
	}
	postJSON(t, http.DefaultClient, base+"/api/firewall/unblock", map[string]string{"ip": "203.0.113.66"}, &unblocked)
	if unblocked["status"] != "not_blocked" {
		t.Fatalf("second unblock = %v", unblocked)
	}
}

// ─── websocket feed ──────────────────────────────────────────────────────────

func TestWebSocketEventFeed(t *testing.T) {
	_, store, base := startDashboard(t, "feed-token", &stubOrch{})

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws?token=feed-token"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Subscription races the save without a short settle.
	time.Sleep(50 * time.Millisecond)
	seedEvent(t, store, models.ServiceRedis, "198.51.100.77", models.EventCommand)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame struct {
		Type string       `json:"type"`
		Data models.Event `json:"data"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Type != "event" || frame.Data.Service != models.ServiceRedis {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	_, _, base := startDashboard(t, "feed-token", &stubOrch{})

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("unauthenticated websocket dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %+v", resp)
	}
}
