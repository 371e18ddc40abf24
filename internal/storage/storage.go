// Package storage provides the persistence layer for the MANTIS honeypot:
// four tables (sessions, events, alerts, geo_cache), indexed filtered
// queries, aggregate rollups for the dashboard, and a pub/sub hub that
// fans newly saved events and alerts out to bounded subscriber queues.
//
// The primary backend is an embedded WAL-mode SQLite database; an optional
// PostgreSQL backend is available for deployments that aggregate multiple
// sensors into one server-side database.
package storage

import (
	"context"
	"errors"

	"github.com/mantis-sec/mantis/internal/models"
)

// ErrClosed is returned by read operations issued after Close.
var ErrClosed = errors.New("storage: closed")

// EventQuery carries the filter and pagination parameters for Events.
//
// Service/Type are single-value filters kept alongside the multi-value
// Services/Types forms; both may be combined. Search is a substring match
// against the JSON-encoded payload. From and To bracket the timestamp
// column (inclusive). Paginated requests additionally compute the total
// row count for the filter.
type EventQuery struct {
	Limit     int
	Offset    int
	Service   string
	Services  []string
	Type      string
	Types     []string
	SrcIP     string
	Search    string
	From      string
	To        string
	Paginated bool
}

// SessionQuery carries the filter and pagination parameters for Sessions.
type SessionQuery struct {
	Limit     int
	Offset    int
	SrcIP     string
	Service   string
	Services  []string
	Paginated bool
}

// Stats is the dashboard aggregate rollup.
type Stats struct {
	TotalEvents          int64            `json:"total_events"`
	TotalSessions        int64            `json:"total_sessions"`
	TotalAlerts          int64            `json:"total_alerts"`
	UnacknowledgedAlerts int64            `json:"unacknowledged_alerts"`
	UniqueIPs            int64            `json:"unique_ips"`
	EventsByService      map[string]int64 `json:"events_by_service"`
	EventsByType         map[string]int64 `json:"events_by_type"`
	TopIPs               []IPCount        `json:"top_ips"`
}

// IPCount is one row of the top-IPs rollup.
type IPCount struct {
	IP    string `json:"ip"`
	Count int64  `json:"count"`
}

/// MapPoint is one row of the geo map rollup: a geolocated source IP joined
// with its event activity. Services is the comma-joined set of distinct
// service tags the IP touched.
type MapPoint struct {
	IP           string  `json:"ip"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	Country      string  `json:"country"`
	City         string  `json:"city"`
	ISP          string  `json:"isp"`
	SessionCount int64   `json:"session_count"`
	EventCount   int64   `json:"event_count"`
	Services     string  `json:"services"`
}

// Attacker is one row of the per-IP attacker aggregation.
type Attacker struct {
	SrcIP        string  `json:"src_ip"`
	EventCount   int64   `json:"event_count"`
	SessionCount int64   `json:"session_count"`
	ServiceCount int64   `json:"service_count"`
	Services     string  `json:"services"`
	AuthAttempts int64   `json:"auth_attempts"`
	Commands     int64   `json:"commands"`
	FirstSeen    string  `json:"first_seen"`
	LastSeen     string  `json:"last_seen"`
	Country      string  `json:"country"`
	City         string  `json:"city"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	ISP          string  `json:"isp"`
}

// Store is the persistence contract shared by the SQLite and PostgreSQL
// backends. Writes issued after Close become silent no-ops (the input is
// returned unchanged); reads after Close fail with ErrClosed.
type Store interface {
	SaveSession(ctx context.Context, s *models.Session) error
	SaveEvent(ctx context.Context, e *models.Event) (*models.Event, error)
	SaveAlert(ctx context.Context, a *models.Alert) (*models.Alert, error)
	SaveGeo(ctx context.Context, g models.GeoInfo) error
	GetGeo(ctx context.Context, ip string) (*models.GeoInfo, error)

	Events(ctx context.Context, q EventQuery) ([]models.Event, int64, error)
	Sessions(ctx context.Context, q SessionQuery) ([]models.Session, int64, error)
	Alerts(ctx context.Context, limit int, unacknowledgedOnly bool) ([]models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id int64) error
	EventsForSession(ctx context.Context, sessionID string) ([]models.Event, error)
	UniqueIPs(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (*Stats, error)
	MapData(ctx context.Context) ([]MapPoint, error)
	Attackers(ctx context.Context, limit, offset int) ([]Attacker, error)
	ExportTable(ctx context.Context, table string) ([]map[string]any, error)

	Reset(ctx context.Context) error

	SubscribeEvents() *Queue[models.Event]
	UnsubscribeEvents(q *Queue[models.Event])
	SubscribeAlerts() *Queue[models.Alert]
	UnsubscribeAlerts(q *Queue[models.Alert])

	Close() error
}

// exportTables is the whitelist accepted by ExportTable.
var exportTables = map[string]bool{
	"events":    true,
	"sessions":  true,
	"alerts":    true,
	"attackers": true,
}

// ValidExportTable reports whether table is an allowed export target.
func ValidExportTable(table string) bool { return exportTables[table] }
