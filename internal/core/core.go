// Package core wires the honeypot together: storage, detection, geolocation,
// the protocol emulators, and the dashboard. It owns startup and shutdown
// order and applies config changes with hot service restarts.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"sort"
	"sync"
	"syscall"

	"github.com/mantis-sec/mantis/internal/audit"
	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/dashboard"
	"github.com/mantis-sec/mantis/internal/detect"
	"github.com/mantis-sec/mantis/internal/geo"
	"github.com/mantis-sec/mantis/internal/services"
	"github.com/mantis-sec/mantis/internal/storage"
)

const defaultAuditPath = "mantis_audit.jsonl"

// Orchestrator runs the full honeypot. One emulator failing to bind is not
// fatal; the rest keep running.
type Orchestrator struct {
	cfg *config.Config
	log *slog.Logger

	// Checklist, when set, receives one line per startup step. Used by the
	// CLI for its boot summary.
	Checklist func(ok bool, msg string)

	// AuditPath overrides where the operator audit log is written.
	AuditPath string

	mu       sync.Mutex
	store    storage.Store
	detector *detect.Engine
	locator  *geo.Locator
	running  map[string]services.Service
	dash     *dashboard.Server
	auditLog *audit.Log
	watcher  *config.Watcher

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg *config.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		log:     logger.With("component", "core"),
		running: make(map[string]services.Service),
	}
}

func (o *Orchestrator) check(ok bool, format string, args ...any) {
	if o.Checklist != nil {
		o.Checklist(ok, fmt.Sprintf(format, args...))
	}
}

// Start brings the honeypot up: store, detection engine, geolocator, the
// enabled emulators, and finally the dashboard.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ctx, o.cancel = context.WithCancel(ctx)

	store, err := openStore(o.ctx, &o.cfg.Database, o.log)
	if err != nil {
		o.check(false, "Database: %v", err)
		return err
	}
	o.store = store
	o.check(true, "Database ready (%s)", o.cfg.Database.Driver)

	webhookURL := ""
	var webhookHeaders map[string]string
	if o.cfg.Alerts.Enabled {
		webhookURL = o.cfg.Alerts.WebhookURL
		webhookHeaders = o.cfg.Alerts.WebhookHeaders
	}
	o.detector = detect.NewEngine(store, webhookURL, webhookHeaders, o.log)
	o.check(true, "Detection engine loaded")

	o.locator = geo.New(store, o.log)

	for _, name := range o.cfg.EnabledServices() {
		if err := o.startServiceLocked(name); err != nil {
			o.log.Error("service failed to start", "service", name, "error", err)
			o.check(false, "%s: %v", name, err)
			continue
		}
		o.check(true, "%s listening on port %d", name, o.cfg.Service(name).Port)
	}

	if o.cfg.Dashboard.Enabled {
		o.openAuditLocked()
		dash := dashboard.New(store, o.locator, &o.cfg.Dashboard, o, o.auditLog, o.log)
		if err := dash.Start(o.ctx); err != nil {
			o.log.Error("dashboard failed to start", "error", err)
			o.check(false, "Dashboard: %v", err)
		} else {
			o.dash = dash
			o.check(true, "Dashboard on http://%s", dash.Addr())
		}
	}
	return nil
}

func openStore(ctx context.Context, db *config.DatabaseConfig, logger *slog.Logger) (storage.Store, error) {
	if db.Driver == "postgres" {
		return storage.OpenPostgres(ctx, db.DSN, logger)
	}
	return storage.OpenSQLite(db.Path, logger)
}

func (o *Orchestrator) openAuditLocked() {
	path := o.AuditPath
	if path == "" {
		path = defaultAuditPath
	}
	log, err := audit.Open(path)
	if err != nil {
		o.log.Warn("audit log unavailable, operator actions will not be recorded",
			"path", path, "error", err)
		return
	}
	o.auditLog = log
}

// startServiceLocked builds and starts one emulator. Caller holds o.mu.
func (o *Orchestrator) startServiceLocked(name string) error {
	svc, err := services.New(name, o.cfg.Service(name), services.Deps{
		Store:  o.store,
		Detect: o.detector,
		Geo:    o.locator,
		Log:    o.log,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(o.ctx); err != nil {
		return err
	}
	o.running[name] = svc
	return nil
}

func (o *Orchestrator) stopServiceLocked(name string) {
	svc, ok := o.running[name]
	if !ok {
		return
	}
	if err := svc.Stop(); err != nil {
		o.log.Warn("service stop", "service", name, "error", err)
	}
	delete(o.running, name)
}

// Running lists the currently started emulators, sorted.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.running))
	for name := range o.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WatchConfig hot-reloads service and alert settings when the file at path
// changes. Dashboard settings need a process restart and are kept as-is.
func (o *Orchestrator) WatchConfig(path string) error {
	w, err := config.WatchFile(path, o.log, func(next *config.Config) {
		o.mu.Lock()
		defer o.mu.Unlock()
		next.Dashboard = o.cfg.Dashboard
		before := serviceConfigs(o.cfg)
		*o.cfg = *next
		o.reconcileLocked(before)
	})
	if err != nil {
		return err
	}
	o.watcher = w
	return nil
}

// Run blocks until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// everything down.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	o.log.Info("shutting down")
	return o.Stop()
}

// Stop tears down in reverse start order: dashboard first so operators get a
// clean close, then emulators, then the shared backends.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.watcher != nil {
		o.watcher.Stop()
		o.watcher = nil
	}
	if o.dash != nil {
		if err := o.dash.Stop(); err != nil {
			o.log.Warn("dashboard stop", "error", err)
		}
		o.dash = nil
	}
	for name := range o.running {
		o.stopServiceLocked(name)
	}
	if o.detector != nil {
		o.detector.Close()
	}
	if o.locator != nil {
		o.locator.Close()
	}
	if o.auditLog != nil {
		if err := o.auditLog.Close(); err != nil {
			o.log.Warn("audit close", "error", err)
		}
		o.auditLog = nil
	}
	if o.cancel != nil {
		o.cancel()
	}
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			return err
		}
		o.store = nil
	}
	return nil
}

// ─── dashboard.Orchestrator ──────────────────────────────────────────────────

func (o *Orchestrator) ConfigSnapshot() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.Snapshot()
}

// FullConfigSnapshot bundles the config with the settings-form metadata the
// frontend renders from.
func (o *Orchestrator) FullConfigSnapshot() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return map[string]any{
		"config":         o.cfg.Snapshot(),
		"extra_schema":   config.ServiceExtraSchema,
		"banner_presets": config.BannerPresets,
	}
}

// UpdateServiceConfig validates patch against a scratch copy, applies it, and
// restarts the service. A restart failure keeps the new config; the service
// stays down until the next successful update.
func (o *Orchestrator) UpdateServiceConfig(_ context.Context, name string, patch map[string]any) (map[string]any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sc := o.cfg.Service(name)
	if sc == nil {
		return nil, fmt.Errorf("unknown service: %s", name)
	}

	scratch := cloneConfig(o.cfg)
	config.MergeService(scratch.Service(name), patch)
	if err := config.Validate(scratch); err != nil {
		return nil, err
	}

	config.MergeService(sc, patch)
	o.stopServiceLocked(name)
	if sc.Enabled && o.store != nil {
		if err := o.startServiceLocked(name); err != nil {
			o.log.Error("service restart failed", "service", name, "error", err)
		}
	}
	return o.cfg.Snapshot(), nil
}

// UpdateGlobalConfig applies patch across the whole config and restarts any
// emulator whose settings changed.
func (o *Orchestrator) UpdateGlobalConfig(_ context.Context, patch map[string]any) (map[string]any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	scratch := cloneConfig(o.cfg)
	config.Merge(scratch, patch)
	if err := config.Validate(scratch); err != nil {
		return nil, err
	}

	before := serviceConfigs(o.cfg)
	config.Merge(o.cfg, patch)
	o.reconcileLocked(before)
	return o.cfg.Snapshot(), nil
}

// reconcileLocked restarts every emulator whose config differs from before.
// Caller holds o.mu.
func (o *Orchestrator) reconcileLocked(before map[string]config.ServiceConfig) {
	if o.store == nil {
		return
	}
	for _, name := range config.ServiceNames {
		sc := o.cfg.Service(name)
		_, isRunning := o.running[name]
		changed := !reflect.DeepEqual(before[name], *sc)
		if !changed && isRunning == sc.Enabled {
			continue
		}
		o.stopServiceLocked(name)
		if sc.Enabled {
			if err := o.startServiceLocked(name); err != nil {
				o.log.Error("service restart failed", "service", name, "error", err)
			}
		}
	}
}

func (o *Orchestrator) SaveConfig(path string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.Save(path)
}

func (o *Orchestrator) ExportConfigYAML() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.ExportYAML()
}

// ResetDatabase wipes the capture tables and the detector's sliding windows
// so stale state cannot re-fire alerts against the empty database.
func (o *Orchestrator) ResetDatabase(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.store == nil {
		return fmt.Errorf("core: store not started")
	}
	if err := o.store.Reset(ctx); err != nil {
		return err
	}
	o.detector.ResetState()
	o.log.Info("database reset")
	return nil
}

// ─── config copying ──────────────────────────────────────────────────────────

// serviceConfigs snapshots every emulator's settings by value for change
// detection.
func serviceConfigs(cfg *config.Config) map[string]config.ServiceConfig {
	out := make(map[string]config.ServiceConfig, len(config.ServiceNames))
	for _, name := range config.ServiceNames {
		sc := *cfg.Service(name)
		sc.Extra = cloneMap(sc.Extra)
		out[name] = sc
	}
	return out
}

// cloneConfig deep-copies cfg far enough that merging into the copy cannot
// touch the original's nested maps.
func cloneConfig(cfg *config.Config) *config.Config {
	next := *cfg
	for _, name := range config.ServiceNames {
		sc := next.Service(name)
		sc.Extra = cloneMap(sc.Extra)
	}
	if cfg.Alerts.WebhookHeaders != nil {
		headers := make(map[string]string, len(cfg.Alerts.WebhookHeaders))
		for k, v := range cfg.Alerts.WebhookHeaders {
			headers[k] = v
		}
		next.Alerts.WebhookHeaders = headers
	}
	return &next
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
