// Package config provides YAML configuration loading, validation, live
// export, and file watching for the MANTIS honeypot.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServiceNames lists the protocol emulators in canonical order.
var ServiceNames = []string{
	"ssh", "http", "ftp", "smb", "mysql", "telnet",
	"smtp", "mongodb", "vnc", "redis", "adb",
}

// ServiceConfig configures one protocol emulator. Extra holds the
// service-specific knobs (hostname, fake databases, honeytoken credentials,
// additional listen ports) that the known fields don't cover.
type ServiceConfig struct {
	Enabled bool           `json:"enabled"`
	Port    int            `json:"port"`
	Banner  string         `json:"banner"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// DashboardConfig configures the web dashboard listener.
type DashboardConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`

	// AuthToken protects the dashboard API. Auto-generated at startup when
	// empty. Never included in config exports.
	AuthToken string `json:"-"`
}

// AlertsConfig configures the detection engine's outbound notifications.
type AlertsConfig struct {
	Enabled        bool              `json:"enabled"`
	WebhookURL     string            `json:"webhook_url"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty"`
}

// DatabaseConfig selects the storage backend. Driver is "sqlite" (default)
// or "postgres"; Path is the SQLite file, DSN the Postgres connection string.
type DatabaseConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	DSN    string `json:"dsn,omitempty"`
}

// Config is the full honeypot configuration.
type Config struct {
	SSH     ServiceConfig `json:"ssh"`
	HTTP    ServiceConfig `json:"http"`
	FTP     ServiceConfig `json:"ftp"`
	SMB     ServiceConfig `json:"smb"`
	MySQL   ServiceConfig `json:"mysql"`
	Telnet  ServiceConfig `json:"telnet"`
	SMTP    ServiceConfig `json:"smtp"`
	MongoDB ServiceConfig `json:"mongodb"`
	VNC     ServiceConfig `json:"vnc"`
	Redis   ServiceConfig `json:"redis"`
	ADB     ServiceConfig `json:"adb"`

	Dashboard DashboardConfig `json:"dashboard"`
	Alerts    AlertsConfig    `json:"alerts"`
	Database  DatabaseConfig  `json:"database"`
	LogLevel  string          `json:"log_level"`
}

// Default returns the out-of-the-box configuration: every emulator enabled
// on its conventional (or privilege-free substitute) port, with believable
// production banners.
func Default() *Config {
	return &Config{
		SSH:     ServiceConfig{Enabled: true, Port: 2222, Banner: "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6"},
		HTTP:    ServiceConfig{Enabled: true, Port: 8080},
		FTP:     ServiceConfig{Enabled: true, Port: 21, Banner: "220 FTP Server ready."},
		SMB:     ServiceConfig{Enabled: true, Port: 4450},
		MySQL:   ServiceConfig{Enabled: true, Port: 3306, Banner: "5.7.42-0ubuntu0.18.04.1"},
		Telnet: ServiceConfig{Enabled: true, Port: 2323, Banner: "gateway-01 login: ",
			Extra: map[string]any{"additional_ports": []any{23}}},
		SMTP:    ServiceConfig{Enabled: true, Port: 25, Banner: "220 mail.example.com ESMTP Postfix (Ubuntu)"},
		MongoDB: ServiceConfig{Enabled: true, Port: 27017, Banner: "6.0.12"},
		VNC:     ServiceConfig{Enabled: true, Port: 5900, Banner: "prod-workstation:0"},
		Redis:   ServiceConfig{Enabled: true, Port: 6379},
		ADB:     ServiceConfig{Enabled: true, Port: 5555, Banner: "device::Pixel 7"},

		Dashboard: DashboardConfig{Enabled: true, Host: "0.0.0.0", Port: 8843},
		Alerts:    AlertsConfig{Enabled: true},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "honeypot.db"},
		LogLevel:  "info",
	}
}

// Service returns the named service's config, or nil for an unknown name.
func (c *Config) Service(name string) *ServiceConfig {
	switch name {
	case "ssh":
		return &c.SSH
	case "http":
		return &c.HTTP
	case "ftp":
		return &c.FTP
	case "smb":
		return &c.SMB
	case "mysql":
		return &c.MySQL
	case "telnet":
		return &c.Telnet
	case "smtp":
		return &c.SMTP
	case "mongodb":
		return &c.MongoDB
	case "vnc":
		return &c.VNC
	case "redis":
		return &c.Redis
	case "adb":
		return &c.ADB
	}
	return nil
}

// EnabledServices returns the names of all enabled emulators in canonical
// order.
func (c *Config) EnabledServices() []string {
	var out []string
	for _, name := range ServiceNames {
		if c.Service(name).Enabled {
			out = append(out, name)
		}
	}
	return out
}

// validDrivers is the set of accepted database driver strings.
var validDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path and merges it over the defaults, so a
// partial file only overrides the keys it mentions. Unknown keys inside a
// service block land in that service's Extra map. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	Merge(cfg, raw)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return cfg, nil
}

// Merge applies a raw configuration mapping over cfg, key by key. The
// dashboard's global-settings endpoint reuses it for partial updates.
func Merge(cfg *Config, raw map[string]any) {
	for _, name := range ServiceNames {
		if m, ok := raw[name].(map[string]any); ok {
			MergeService(cfg.Service(name), m)
		}
	}

	if m, ok := raw["dashboard"].(map[string]any); ok {
		if v, ok := m["enabled"].(bool); ok {
			cfg.Dashboard.Enabled = v
		}
		if v, ok := m["host"].(string); ok {
			cfg.Dashboard.Host = v
		}
		if v, ok := asInt(m["port"]); ok {
			cfg.Dashboard.Port = v
		}
		if v, ok := m["auth_token"].(string); ok {
			cfg.Dashboard.AuthToken = v
		}
	}

	if m, ok := raw["alerts"].(map[string]any); ok {
		if v, ok := m["enabled"].(bool); ok {
			cfg.Alerts.Enabled = v
		}
		if v, ok := m["webhook_url"].(string); ok {
			cfg.Alerts.WebhookURL = v
		}
		if h, ok := m["webhook_headers"].(map[string]any); ok {
			cfg.Alerts.WebhookHeaders = map[string]string{}
			for k, v := range h {
				cfg.Alerts.WebhookHeaders[k] = fmt.Sprint(v)
			}
		}
	}

	if m, ok := raw["database"].(map[string]any); ok {
		if v, ok := m["driver"].(string); ok {
			cfg.Database.Driver = v
		}
		if v, ok := m["path"].(string); ok {
			cfg.Database.Path = v
		}
		if v, ok := m["dsn"].(string); ok {
			cfg.Database.DSN = v
		}
	}
	if v, ok := raw["database_path"].(string); ok {
		cfg.Database.Path = v
	}
	if v, ok := raw["log_level"].(string); ok {
		cfg.LogLevel = strings.ToLower(v)
	}
}

// MergeService applies one service's raw mapping: the three known keys
// override in place, everything else goes into Extra.
func MergeService(sc *ServiceConfig, m map[string]any) {
	for k, v := range m {
		switch k {
		case "enabled":
			if b, ok := v.(bool); ok {
				sc.Enabled = b
			}
		case "port":
			if p, ok := asInt(v); ok {
				sc.Port = p
			}
		case "banner":
			if s, ok := v.(string); ok {
				sc.Banner = s
			}
		default:
			if sc.Extra == nil {
				sc.Extra = map[string]any{}
			}
			sc.Extra[k] = v
		}
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// validate checks port ranges, port collisions among enabled listeners, and
// enumerated fields.
func validate(cfg *Config) error {
	var errs []error

	used := map[int]string{}
	claim := func(owner string, port int) {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s: port %d out of range", owner, port))
			return
		}
		if prev, ok := used[port]; ok {
			errs = append(errs, fmt.Errorf("%s: port %d already used by %s", owner, port, prev))
			return
		}
		used[port] = owner
	}

	for _, name := range ServiceNames {
		sc := cfg.Service(name)
		if !sc.Enabled {
			continue
		}
		claim(name, sc.Port)
		for _, p := range ExtraPorts(sc) {
			claim(name, p)
		}
	}
	if cfg.Dashboard.Enabled {
		claim("dashboard", cfg.Dashboard.Port)
	}

	if !validDrivers[cfg.Database.Driver] {
		errs = append(errs, fmt.Errorf("database.driver %q must be one of: sqlite, postgres", cfg.Database.Driver))
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required with the postgres driver"))
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required with the sqlite driver"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}

// Validate checks cfg and returns a joined error listing every problem.
func Validate(cfg *Config) error { return validate(cfg) }

// ExtraPorts parses a service's "additional_ports" extra, accepting either a
// YAML list or a comma-separated string.
func ExtraPorts(sc *ServiceConfig) []int {
	var out []int
	switch v := sc.Extra["additional_ports"].(type) {
	case []any:
		for _, e := range v {
			if p, ok := asInt(e); ok {
				out = append(out, p)
			}
		}
	case []int:
		out = append(out, v...)
	case string:
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			var p int
			if _, err := fmt.Sscanf(part, "%d", &p); err == nil {
				out = append(out, p)
			}
		}
	}
	return out
}

// ExtraString returns a string-valued extra, or fallback when absent or
// empty.
func ExtraString(sc *ServiceConfig, key, fallback string) string {
	if s, ok := sc.Extra[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// Snapshot returns the config as a JSON-friendly map keyed the way the API
// serves it: one entry per service plus dashboard, alerts, database_path,
// and log_level. The dashboard auth token is excluded.
func (c *Config) Snapshot() map[string]any {
	out := map[string]any{}
	for _, name := range ServiceNames {
		sc := c.Service(name)
		entry := map[string]any{
			"enabled": sc.Enabled,
			"port":    sc.Port,
			"banner":  sc.Banner,
		}
		if len(sc.Extra) > 0 {
			entry["extra"] = sc.Extra
		}
		out[name] = entry
	}
	out["dashboard"] = map[string]any{
		"enabled": c.Dashboard.Enabled,
		"host":    c.Dashboard.Host,
		"port":    c.Dashboard.Port,
	}
	out["alerts"] = map[string]any{
		"enabled":         c.Alerts.Enabled,
		"webhook_url":     c.Alerts.WebhookURL,
		"webhook_headers": c.Alerts.WebhookHeaders,
	}
	out["database_path"] = c.Database.Path
	out["log_level"] = c.LogLevel
	return out
}

// ExportYAML renders the config as a YAML document in canonical key order,
// with each service's extras flattened into its block so the file round-trips
// through Load. The auth token is never exported.
func (c *Config) ExportYAML() ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}

	for _, name := range ServiceNames {
		sc := c.Service(name)
		svc := &yaml.Node{Kind: yaml.MappingNode}
		appendScalarPairs(svc,
			"enabled", sc.Enabled,
			"port", sc.Port,
			"banner", sc.Banner)
		keys := make([]string, 0, len(sc.Extra))
		for k := range sc.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := appendPair(svc, k, sc.Extra[k]); err != nil {
				return nil, err
			}
		}
		root.Content = append(root.Content, scalar(name), svc)
	}

	dash := &yaml.Node{Kind: yaml.MappingNode}
	appendScalarPairs(dash,
		"enabled", c.Dashboard.Enabled,
		"host", c.Dashboard.Host,
		"port", c.Dashboard.Port)
	root.Content = append(root.Content, scalar("dashboard"), dash)

	alerts := &yaml.Node{Kind: yaml.MappingNode}
	appendScalarPairs(alerts,
		"enabled", c.Alerts.Enabled,
		"webhook_url", c.Alerts.WebhookURL)
	if len(c.Alerts.WebhookHeaders) > 0 {
		if err := appendPair(alerts, "webhook_headers", c.Alerts.WebhookHeaders); err != nil {
			return nil, err
		}
	}
	root.Content = append(root.Content, scalar("alerts"), alerts)

	if c.Database.Driver != "sqlite" {
		db := &yaml.Node{Kind: yaml.MappingNode}
		appendScalarPairs(db, "driver", c.Database.Driver, "dsn", c.Database.DSN)
		root.Content = append(root.Content, scalar("database"), db)
	}
	appendScalarPairs(root,
		"database_path", c.Database.Path,
		"log_level", c.LogLevel)

	return yaml.Marshal(root)
}

// Save writes the exported YAML to path (default "mantis_config.yaml") and
// returns its absolute form.
func (c *Config) Save(path string) (string, error) {
	if path == "" {
		path = "mantis_config.yaml"
	}
	data, err := c.ExportYAML()
	if err != nil {
		return "", fmt.Errorf("config: export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("config: write %q: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

func scalar(v any) *yaml.Node {
	n := &yaml.Node{}
	_ = n.Encode(v)
	return n
}

func appendPair(m *yaml.Node, key string, v any) error {
	val := &yaml.Node{}
	if err := val.Encode(v); err != nil {
		return fmt.Errorf("config: encode %q: %w", key, err)
	}
	m.Content = append(m.Content, scalar(key), val)
	return nil
}

// appendScalarPairs appends alternating key/value pairs whose values are
// plain scalars that cannot fail to encode.
func appendScalarPairs(m *yaml.Node, pairs ...any) {
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Content = append(m.Content, scalar(pairs[i]), scalar(pairs[i+1]))
	}
}
