package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/mantis-sec/mantis/internal/models"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// ddl is the schema, kept here to keep the package self-contained. Every
// statement is idempotent so the store can be reopened on an existing file.
const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    service    TEXT NOT NULL,
    src_ip     TEXT NOT NULL,
    src_port   INTEGER NOT NULL,
    dst_port   INTEGER NOT NULL,
    started_at TEXT NOT NULL,
    ended_at   TEXT,
    metadata   TEXT DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    service    TEXT NOT NULL,
    src_ip     TEXT NOT NULL,
    timestamp  TEXT NOT NULL,
    data       TEXT DEFAULT '{}',
    FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE TABLE IF NOT EXISTS alerts (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_name    TEXT NOT NULL,
    severity     TEXT NOT NULL,
    src_ip       TEXT NOT NULL,
    service      TEXT NOT NULL,
    message      TEXT NOT NULL,
    event_ids    TEXT DEFAULT '[]',
    timestamp    TEXT NOT NULL,
    acknowledged INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS geo_cache (
    ip           TEXT PRIMARY KEY,
    country      TEXT,
    country_code TEXT,
    region       TEXT,
    city         TEXT,
    lat          REAL,
    lon          REAL,
    isp          TEXT,
    org          TEXT,
    as_number    TEXT,
    cached_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_session   ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_src_ip    ON events(src_ip);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_service   ON events(service);
CREATE INDEX IF NOT EXISTS idx_sessions_src_ip  ON sessions(src_ip);
CREATE INDEX IF NOT EXISTS idx_alerts_severity  ON alerts(severity);
`

// SQLiteStore is the embedded WAL-mode SQLite implementation of Store.
// It is safe for concurrent use.
type SQLiteStore struct {
	db     *sql.DB
	hub    *Hub
	closed atomic.Bool
	log    *slog.Logger
}

// OpenSQLite opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. If path is ":memory:", an in-memory
// database is used; this is suitable for tests but loses all data when
// closed.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when many connection
	// goroutines write concurrently; each call serialises through this
	// connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}

	// Additive migration for databases created before alerts carried a data
	// payload. SQLite has no ADD COLUMN IF NOT EXISTS; a duplicate-column
	// error means the migration already ran.
	if _, err := db.Exec(`ALTER TABLE alerts ADD COLUMN data TEXT DEFAULT '{}'`); err != nil {
		if !strings.Contains(err.Error(), "duplicate column") {
			_ = db.Close()
			return nil, fmt.Errorf("storage: migrate alerts.data: %w", err)
		}
	}

	logger.Info("database initialized", "path", path)
	return &SQLiteStore{db: db, hub: NewHub(), log: logger}, nil
}

// SubscribeEvents implements Store.
func (s *SQLiteStore) SubscribeEvents() *Queue[models.Event] { return s.hub.SubscribeEvents() }

// UnsubscribeEvents implements Store.
func (s *SQLiteStore) UnsubscribeEvents(q *Queue[models.Event]) { s.hub.UnsubscribeEvents(q) }

// SubscribeAlerts implements Store.
func (s *SQLiteStore) SubscribeAlerts() *Queue[models.Alert] { return s.hub.SubscribeAlerts() }

// UnsubscribeAlerts implements Store.
func (s *SQLiteStore) UnsubscribeAlerts(q *Queue[models.Alert]) { s.hub.UnsubscribeAlerts(q) }

// SaveSession upserts sess. Writes after Close are silent no-ops.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *models.Session) error {
	if s.closed.Load() {
		return nil
	}
	meta, err := json.Marshal(orEmpty(sess.Metadata))
	if err != nil {
		return fmt.Errorf("storage: marshal session metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions
		   (id, service, src_ip, src_port, dst_port, started_at, ended_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Service, sess.SrcIP, sess.SrcPort, sess.DstPort,
		sess.StartedAt, sess.EndedAt, string(meta),
	)
	if err != nil {
		return fmt.Errorf("storage: save session: %w", err)
	}
	return nil
}

// SaveEvent appends e, assigns its auto id, pushes it to every live event
// subscriber, and returns the persisted value. Writes after Close return
// the input unchanged.
func (s *SQLiteStore) SaveEvent(ctx context.Context, e *models.Event) (*models.Event, error) {
	if s.closed.Load() {
		return e, nil
	}
	data, err := json.Marshal(orEmpty(e.Data))
	if err != nil {
		return e, fmt.Errorf("storage: marshal event data: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, event_type, service, src_ip, timestamp, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, string(e.EventType), e.Service, e.SrcIP, e.Timestamp, string(data),
	)
	if err != nil {
		return e, fmt.Errorf("storage: save event: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	s.hub.NotifyEvent(*e)
	return e, nil
}

// SaveAlert inserts a, assigns its auto id, and pushes it to every live
// alert subscriber.
func (s *SQLiteStore) SaveAlert(ctx context.Context, a *models.Alert) (*models.Alert, error) {
	if s.closed.Load() {
		return a, nil
	}
	eventIDs, err := json.Marshal(orEmptyIDs(a.EventIDs))
	if err != nil {
		return a, fmt.Errorf("storage: marshal alert event ids: %w", err)
	}
	data, err := json.Marshal(orEmpty(a.Data))
	if err != nil {
		return a, fmt.Errorf("storage: marshal alert data: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts
		   (rule_name, severity, src_ip, service, message, event_ids, timestamp, acknowledged, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		a.RuleName, string(a.Severity), a.SrcIP, a.Service, a.Message,
		string(eventIDs), a.Timestamp, string(data),
	)
	if err != nil {
		return a, fmt.Errorf("storage: save alert: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	s.hub.NotifyAlert(*a)
	return a, nil
}

// AcknowledgeAlert sets the acknowledged flag. It is idempotent.
func (s *SQLiteStore) AcknowledgeAlert(ctx context.Context, id int64) error {
	if s.closed.Load() {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE alerts SET acknowledged = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("storage: acknowledge alert %d: %w", id, err)
	}
	return nil
}

// SaveGeo upserts g into the geo cache.
func (s *SQLiteStore) SaveGeo(ctx context.Context, g models.GeoInfo) error {
	if s.closed.Load() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO geo_cache
		   (ip, country, country_code, region, city, lat, lon, isp, org, as_number, cached_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.IP, g.Country, g.CountryCode, g.Region, g.City,
		g.Lat, g.Lon, g.ISP, g.Org, g.ASNumber, g.CachedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save geo: %w", err)
	}
	return nil
}

// GetGeo returns the cached GeoInfo for ip, or (nil, nil) on a cache miss.
func (s *SQLiteStore) GetGeo(ctx context.Context, ip string) (*models.GeoInfo, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var g models.GeoInfo
	err := s.db.QueryRowContext(ctx,
		`SELECT ip, country, country_code, region, city, lat, lon, isp, org, as_number, cached_at
		 FROM geo_cache WHERE ip = ?`, ip,
	).Scan(&g.IP, &g.Country, &g.CountryCode, &g.Region, &g.City,
		&g.Lat, &g.Lon, &g.ISP, &g.Org, &g.ASNumber, &g.CachedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get geo %s: %w", ip, err)
	}
	return &g, nil
}

// Events returns events matching q ordered by descending id. The returned
// total is the unpaged row count for the filter when q.Paginated is set,
// and -1 otherwise.
func (s *SQLiteStore) Events(ctx context.Context, q EventQuery) ([]models.Event, int64, error) {
	if s.closed.Load() {
		return nil, 0, ErrClosed
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}

	where, args := buildEventFilter(q)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, service, src_ip, timestamp, data
		 FROM events`+where+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		append(append([]any{}, args...), q.Limit, q.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: query events: %w", err)
	}

	total := int64(-1)
	if q.Paginated {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM events`+where, args...,
		).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("storage: count events: %w", err)
		}
	}
	return events, total, nil
}

// buildEventFilter assembles the WHERE clause and its args for q.
func buildEventFilter(q EventQuery) (string, []any) {
	where := " WHERE 1=1"
	var args []any
	if q.Service != "" {
		where += " AND service = ?"
		args = append(args, q.Service)
	}
	if len(q.Services) > 0 {
		where += " AND service IN (" + placeholders(len(q.Services)) + ")"
		for _, svc := range q.Services {
			args = append(args, svc)
		}
	}
	if q.Type != "" {
		where += " AND event_type = ?"
		args = append(args, q.Type)
	}
	if len(q.Types) > 0 {
		where += " AND event_type IN (" + placeholders(len(q.Types)) + ")"
		for _, t := range q.Types {
			args = append(args, t)
		}
	}
	if q.SrcIP != "" {
		where += " AND src_ip = ?"
		args = append(args, q.SrcIP)
	}
	if q.Search != "" {
		where += " AND data LIKE ?"
		args = append(args, "%"+q.Search+"%")
	}
	if q.From != "" {
		where += " AND timestamp >= ?"
		args = append(args, q.From)
	}
	if q.To != "" {
		where += " AND timestamp <= ?"
		args = append(args, q.To)
	}
	return where, args
}

// Sessions returns sessions matching q ordered by descending start time.
func (s *SQLiteStore) Sessions(ctx context.Context, q SessionQuery) ([]models.Session, int64, error) {
	if s.closed.Load() {
		return nil, 0, ErrClosed
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}

	where := " WHERE 1=1"
	var args []any
	if q.SrcIP != "" {
		where += " AND src_ip = ?"
		args = append(args, q.SrcIP)
	}
	if q.Service != "" {
		where += " AND service = ?"
		args = append(args, q.Service)
	}
	if len(q.Services) > 0 {
		where += " AND service IN (" + placeholders(len(q.Services)) + ")"
		for _, svc := range q.Services {
			args = append(args, svc)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service, src_ip, src_port, dst_port, started_at, ended_at, metadata
		 FROM sessions`+where+` ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		append(append([]any{}, args...), q.Limit, q.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: query sessions: %w", err)
	}

	total := int64(-1)
	if q.Paginated {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions`+where, args...,
		).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("storage: count sessions: %w", err)
		}
	}
	return sessions, total, nil
}

// Alerts returns the most recent alerts, newest first.
func (s *SQLiteStore) Alerts(ctx context.Context, limit int, unacknowledgedOnly bool) ([]models.Alert, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, rule_name, severity, src_ip, service, message, event_ids, timestamp, acknowledged, data
	          FROM alerts`
	if unacknowledgedOnly {
		query += ` WHERE acknowledged = 0`
	}
	query += ` ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// EventsForSession returns the full timeline of one session, oldest first.
func (s *SQLiteStore) EventsForSession(ctx context.Context, sessionID string) ([]models.Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, service, src_ip, timestamp, data
		 FROM events WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: query session events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// UniqueIPs returns the distinct source IPs seen in events, sorted.
func (s *SQLiteStore) UniqueIPs(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT src_ip FROM events ORDER BY src_ip`)
	if err != nil {
		return nil, fmt.Errorf("storage: query unique ips: %w", err)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("storage: scan ip: %w", err)
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}

// Stats computes the dashboard aggregate rollup.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	st := &Stats{
		EventsByService: map[string]int64{},
		EventsByType:    map[string]int64{},
	}

	counts := []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM events`, &st.TotalEvents},
		{`SELECT COUNT(*) FROM sessions`, &st.TotalSessions},
		{`SELECT COUNT(*) FROM alerts`, &st.TotalAlerts},
		{`SELECT COUNT(*) FROM alerts WHERE acknowledged = 0`, &st.UnacknowledgedAlerts},
		{`SELECT COUNT(DISTINCT src_ip) FROM events`, &st.UniqueIPs},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("storage: stats count: %w", err)
		}
	}

	if err := s.groupCount(ctx, `SELECT service, COUNT(*) FROM events GROUP BY service`, st.EventsByService); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, `SELECT event_type, COUNT(*) FROM events GROUP BY event_type`, st.EventsByType); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT src_ip, COUNT(*) AS cnt FROM events GROUP BY src_ip ORDER BY cnt DESC LIMIT 10`)
	if err != nil {
		return nil, fmt.Errorf("storage: stats top ips: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ic IPCount
		if err := rows.Scan(&ic.IP, &ic.Count); err != nil {
			return nil, fmt.Errorf("storage: scan top ip: %w", err)
		}
		st.TopIPs = append(st.TopIPs, ic)
	}
	return st, rows.Err()
}

func (s *SQLiteStore) groupCount(ctx context.Context, query string, dst map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("storage: stats group: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("storage: scan group row: %w", err)
		}
		dst[key] = count
	}
	return rows.Err()
}

// MapData joins geo_cache with events grouped by IP. Rows whose coordinates
// are both zero (never resolved) are excluded.
func (s *SQLiteStore) MapData(ctx context.Context) ([]MapPoint, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.ip, g.lat, g.lon, g.country, g.city, g.isp,
		       COUNT(DISTINCT e.session_id) AS session_count,
		       COUNT(e.id)                  AS event_count,
		       GROUP_CONCAT(DISTINCT e.service) AS services
		FROM   geo_cache g
		JOIN   events e ON e.src_ip = g.ip
		WHERE  g.lat != 0 OR g.lon != 0
		GROUP  BY g.ip`)
	if err != nil {
		return nil, fmt.Errorf("storage: query map data: %w", err)
	}
	defer rows.Close()

	var points []MapPoint
	for rows.Next() {
		var p MapPoint
		if err := rows.Scan(&p.IP, &p.Lat, &p.Lon, &p.Country, &p.City, &p.ISP,
			&p.SessionCount, &p.EventCount, &p.Services); err != nil {
			return nil, fmt.Errorf("storage: scan map point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Attackers returns the per-IP activity aggregation, busiest IPs first.
func (s *SQLiteStore) Attackers(ctx context.Context, limit, offset int) ([]Attacker, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.src_ip,
		       COUNT(e.id)                  AS event_count,
		       COUNT(DISTINCT e.session_id) AS session_count,
		       COUNT(DISTINCT e.service)    AS service_count,
		       GROUP_CONCAT(DISTINCT e.service) AS services,
		       SUM(CASE WHEN e.event_type = 'auth_attempt' THEN 1 ELSE 0 END) AS auth_attempts,
		       SUM(CASE WHEN e.event_type = 'command'      THEN 1 ELSE 0 END) AS commands,
		       MIN(e.timestamp) AS first_seen,
		       MAX(e.timestamp) AS last_seen,
		       COALESCE(g.country, ''), COALESCE(g.city, ''),
		       COALESCE(g.lat, 0), COALESCE(g.lon, 0), COALESCE(g.isp, '')
		FROM   events e
		LEFT JOIN geo_cache g ON g.ip = e.src_ip
		GROUP  BY e.src_ip
		ORDER  BY event_count DESC
		LIMIT  ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: query attackers: %w", err)
	}
	defer rows.Close()

	var attackers []Attacker
	for rows.Next() {
		var a Attacker
		if err := rows.Scan(&a.SrcIP, &a.EventCount, &a.SessionCount, &a.ServiceCount,
			&a.Services, &a.AuthAttempts, &a.Commands, &a.FirstSeen, &a.LastSeen,
			&a.Country, &a.City, &a.Lat, &a.Lon, &a.ISP); err != nil {
			return nil, fmt.Errorf("storage: scan attacker: %w", err)
		}
		attackers = append(attackers, a)
	}
	return attackers, rows.Err()
}

// ExportTable returns the full contents of one table as generic rows for
// JSON or CSV download. The table name must pass ValidExportTable.
func (s *SQLiteStore) ExportTable(ctx context.Context, table string) ([]map[string]any, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	switch table {
	case "events":
		events, _, err := s.Events(ctx, EventQuery{Limit: 1 << 30})
		if err != nil {
			return nil, err
		}
		return toRows(events)
	case "sessions":
		sessions, _, err := s.Sessions(ctx, SessionQuery{Limit: 1 << 30})
		if err != nil {
			return nil, err
		}
		return toRows(sessions)
	case "alerts":
		alerts, err := s.Alerts(ctx, 1<<30, false)
		if err != nil {
			return nil, err
		}
		return toRows(alerts)
	case "attackers":
		attackers, err := s.Attackers(ctx, 1<<30, 0)
		if err != nil {
			return nil, err
		}
		return toRows(attackers)
	default:
		return nil, fmt.Errorf("storage: invalid export table %q", table)
	}
}

// Reset truncates all four tables, reclaims file space, and leaves the
// schema in place.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for _, table := range []string{"events", "sessions", "alerts", "geo_cache"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("storage: reset %s: %w", table, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("storage: vacuum: %w", err)
	}
	s.log.Info("database reset, all data cleared")
	return nil
}

// Close marks the store closed and closes the underlying database. Writes
// issued after Close are silently dropped.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// --- internal helpers ---

// scanner is satisfied by both *sql.Row and *sql.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (*models.Event, error) {
	var e models.Event
	var eventType, data string
	if err := sc.Scan(&e.ID, &e.SessionID, &eventType, &e.Service, &e.SrcIP, &e.Timestamp, &data); err != nil {
		return nil, err
	}
	e.EventType = models.EventType(eventType)
	e.Data = decodeJSONMap(data)
	return &e, nil
}

func scanSession(sc scanner) (*models.Session, error) {
	var s models.Session
	var meta string
	if err := sc.Scan(&s.ID, &s.Service, &s.SrcIP, &s.SrcPort, &s.DstPort, &s.StartedAt, &s.EndedAt, &meta); err != nil {
		return nil, err
	}
	s.Metadata = decodeJSONMap(meta)
	return &s, nil
}

func scanAlert(sc scanner) (*models.Alert, error) {
	var a models.Alert
	var severity, eventIDs, data string
	var acked int
	if err := sc.Scan(&a.ID, &a.RuleName, &severity, &a.SrcIP, &a.Service, &a.Message,
		&eventIDs, &a.Timestamp, &acked, &data); err != nil {
		return nil, err
	}
	a.Severity = models.Severity(severity)
	a.Acknowledged = acked != 0
	if err := json.Unmarshal([]byte(eventIDs), &a.EventIDs); err != nil {
		a.EventIDs = nil
	}
	a.Data = decodeJSONMap(data)
	return &a, nil
}

// decodeJSONMap tolerates malformed stored payloads: a decode failure yields
// {_raw: <string>} rather than an error, so one bad row never blocks a read.
func decodeJSONMap(raw string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{"_raw": raw}
	}
	if m == nil {
		m = map[string]any{}
	}
	return m
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

// toRows converts a slice of typed rows to generic maps via their JSON form.
func toRows[T any](items []T) ([]map[string]any, error) {
	rows := make([]map[string]any, 0, len(items))
	for _, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("storage: export marshal: %w", err)
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("storage: export unmarshal: %w", err)
		}
		rows = append(rows, m)
	}
	return rows, nil
}
