package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mantis-sec/mantis/internal/models"
)

// pgDDL mirrors the SQLite schema on PostgreSQL types. Timestamps stay TEXT
// in the canonical fixed-width UTC layout so range filters behave the same
// on both backends.
const pgDDL = `
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    service    TEXT NOT NULL,
    src_ip     TEXT NOT NULL,
    src_port   INTEGER NOT NULL,
    dst_port   INTEGER NOT NULL,
    started_at TEXT NOT NULL,
    ended_at   TEXT,
    metadata   JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS events (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    service    TEXT NOT NULL,
    src_ip     TEXT NOT NULL,
    timestamp  TEXT NOT NULL,
    data       JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS alerts (
    id           BIGSERIAL PRIMARY KEY,
    rule_name    TEXT NOT NULL,
    severity     TEXT NOT NULL,
    src_ip       TEXT NOT NULL,
    service      TEXT NOT NULL,
    message      TEXT NOT NULL,
    event_ids    JSONB NOT NULL DEFAULT '[]',
    timestamp    TEXT NOT NULL,
    acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
    data         JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS geo_cache (
    ip           TEXT PRIMARY KEY,
    country      TEXT,
    country_code TEXT,
    region       TEXT,
    city         TEXT,
    lat          DOUBLE PRECISION,
    lon          DOUBLE PRECISION,
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

// PostgresStore is the server-side implementation of Store for deployments
// that aggregate several sensors into one database. It is safe for
// concurrent use.
type PostgresStore struct {
	pool   *pgxpool.Pool
	hub    *Hub
	closed atomic.Bool
	log    *slog.Logger
}

// OpenPostgres connects to connStr, pings the database, and applies the
// schema.
func OpenPostgres(ctx context.Context, connStr string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("storage: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, pgDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	logger.Info("database initialized", "driver", "postgres")
	return &PostgresStore{pool: pool, hub: NewHub(), log: logger}, nil
}

// SubscribeEvents implements Store.
func (s *PostgresStore) SubscribeEvents() *Queue[models.Event] { return s.hub.SubscribeEvents() }

// UnsubscribeEvents implements Store.
func (s *PostgresStore) UnsubscribeEvents(q *Queue[models.Event]) { s.hub.UnsubscribeEvents(q) }

// SubscribeAlerts implements Store.
func (s *PostgresStore) SubscribeAlerts() *Queue[models.Alert] { return s.hub.SubscribeAlerts() }

// UnsubscribeAlerts implements Store.
func (s *PostgresStore) UnsubscribeAlerts(q *Queue[models.Alert]) { s.hub.UnsubscribeAlerts(q) }

// SaveSession upserts sess.
func (s *PostgresStore) SaveSession(ctx context.Context, sess *models.Session) error {
	if s.closed.Load() {
		return nil
	}
	meta, err := json.Marshal(orEmpty(sess.Metadata))
	if err != nil {
		return fmt.Errorf("storage: marshal session metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, service, src_ip, src_port, dst_port, started_at, ended_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			metadata = EXCLUDED.metadata`,
		sess.ID, sess.Service, sess.SrcIP, sess.SrcPort, sess.DstPort,
		sess.StartedAt, sess.EndedAt, meta,
	)
	if err != nil {
		return fmt.Errorf("storage: save session: %w", err)
	}
	return nil
}

// SaveEvent appends e, assigns its auto id, and notifies subscribers.
func (s *PostgresStore) SaveEvent(ctx context.Context, e *models.Event) (*models.Event, error) {
	if s.closed.Load() {
		return e, nil
	}
	data, err := json.Marshal(orEmpty(e.Data))
	if err != nil {
		return e, fmt.Errorf("storage: marshal event data: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO events (session_id, event_type, service, src_ip, timestamp, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		e.SessionID, string(e.EventType), e.Service, e.SrcIP, e.Timestamp, data,
	).Scan(&e.ID)
	if err != nil {
		return e, fmt.Errorf("storage: save event: %w", err)
	}
	s.hub.NotifyEvent(*e)
	return e, nil
}

// SaveAlert inserts a, assigns its auto id, and notifies subscribers.
func (s *PostgresStore) SaveAlert(ctx context.Context, a *models.Alert) (*models.Alert, error) {
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
	err = s.pool.QueryRow(ctx, `
		INSERT INTO alerts (rule_name, severity, src_ip, service, message, event_ids, timestamp, acknowledged, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		RETURNING id`,
		a.RuleName, string(a.Severity), a.SrcIP, a.Service, a.Message,
		eventIDs, a.Timestamp, data,
	).Scan(&a.ID)
	if err != nil {
		return a, fmt.Errorf("storage: save alert: %w", err)
	}
	s.hub.NotifyAlert(*a)
	return a, nil
}

// AcknowledgeAlert sets the acknowledged flag. It is idempotent.
func (s *PostgresStore) AcknowledgeAlert(ctx context.Context, id int64) error {
	if s.closed.Load() {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `UPDATE alerts SET acknowledged = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("storage: acknowledge alert %d: %w", id, err)
	}
	return nil
}

// SaveGeo upserts g into the geo cache.
func (s *PostgresStore) SaveGeo(ctx context.Context, g models.GeoInfo) error {
	if s.closed.Load() {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO geo_cache (ip, country, country_code, region, city, lat, lon, isp, org, as_number, cached_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (ip) DO UPDATE SET
			country = EXCLUDED.country, country_code = EXCLUDED.country_code,
			region = EXCLUDED.region, city = EXCLUDED.city,
			lat = EXCLUDED.lat, lon = EXCLUDED.lon,
			isp = EXCLUDED.isp, org = EXCLUDED.org,
			as_number = EXCLUDED.as_number, cached_at = EXCLUDED.cached_at`,
		g.IP, g.Country, g.CountryCode, g.Region, g.City,
		g.Lat, g.Lon, g.ISP, g.Org, g.ASNumber, g.CachedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save geo: %w", err)
	}
	return nil
}

// GetGeo returns the cached GeoInfo for ip, or (nil, nil) on a cache miss.
func (s *PostgresStore) GetGeo(ctx context.Context, ip string) (*models.GeoInfo, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var g models.GeoInfo
	err := s.pool.QueryRow(ctx, `
		SELECT ip, country, country_code, region, city, lat, lon, isp, org, as_number, cached_at
		FROM geo_cache WHERE ip = $1`, ip,
	).Scan(&g.IP, &g.Country, &g.CountryCode, &g.Region, &g.City,
		&g.Lat, &g.Lon, &g.ISP, &g.Org, &g.ASNumber, &g.CachedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get geo %s: %w", ip, err)
	}
	return &g, nil
}

// Events returns events matching q ordered by descending id.
func (s *PostgresStore) Events(ctx context.Context, q EventQuery) ([]models.Event, int64, error) {
	if s.closed.Load() {
		return nil, 0, ErrClosed
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}

	where := " WHERE 1=1"
	var args []any
	next := func() int { return len(args) + 1 }

	if q.Service != "" {
		where += fmt.Sprintf(" AND service = $%d", next())
		args = append(args, q.Service)
	}
	if len(q.Services) > 0 {
		where += fmt.Sprintf(" AND service = ANY($%d)", next())
		args = append(args, q.Services)
	}
	if q.Type != "" {
		where += fmt.Sprintf(" AND event_type = $%d", next())
		args = append(args, q.Type)
	}
	if len(q.Types) > 0 {
		where += fmt.Sprintf(" AND event_type = ANY($%d)", next())
		args = append(args, q.Types)
	}
	if q.SrcIP != "" {
		where += fmt.Sprintf(" AND src_ip = $%d", next())
		args = append(args, q.SrcIP)
	}
	if q.Search != "" {
		where += fmt.Sprintf(" AND data::text LIKE $%d", next())
		args = append(args, "%"+q.Search+"%")
	}
	if q.From != "" {
		where += fmt.Sprintf(" AND timestamp >= $%d", next())
		args = append(args, q.From)
	}
	if q.To != "" {
		where += fmt.Sprintf(" AND timestamp <= $%d", next())
		args = append(args, q.To)
	}

	query := fmt.Sprintf(`
		SELECT id, session_id, event_type, service, src_ip, timestamp, data
		FROM events%s ORDER BY id DESC LIMIT $%d OFFSET $%d`, where, next(), next()+1)
	rows, err := s.pool.Query(ctx, query, append(append([]any{}, args...), q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanPGEvent(rows)
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
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("storage: count events: %w", err)
		}
	}
	return events, total, nil
}

// Sessions returns sessions matching q ordered by descending start time.
func (s *PostgresStore) Sessions(ctx context.Context, q SessionQuery) ([]models.Session, int64, error) {
	if s.closed.Load() {
		return nil, 0, ErrClosed
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}

	where := " WHERE 1=1"
	var args []any
	next := func() int { return len(args) + 1 }
	if q.SrcIP != "" {
		where += fmt.Sprintf(" AND src_ip = $%d", next())
		args = append(args, q.SrcIP)
	}
	if q.Service != "" {
		where += fmt.Sprintf(" AND service = $%d", next())
		args = append(args, q.Service)
	}
	if len(q.Services) > 0 {
		where += fmt.Sprintf(" AND service = ANY($%d)", next())
		args = append(args, q.Services)
	}

	query := fmt.Sprintf(`
		SELECT id, service, src_ip, src_port, dst_port, started_at, ended_at, metadata
		FROM sessions%s ORDER BY started_at DESC LIMIT $%d OFFSET $%d`, where, next(), next()+1)
	rows, err := s.pool.Query(ctx, query, append(append([]any{}, args...), q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var sess models.Session
		var meta []byte
		if err := rows.Scan(&sess.ID, &sess.Service, &sess.SrcIP, &sess.SrcPort,
			&sess.DstPort, &sess.StartedAt, &sess.EndedAt, &meta); err != nil {
			return nil, 0, fmt.Errorf("storage: scan session: %w", err)
		}
		sess.Metadata = decodeJSONMap(string(meta))
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: query sessions: %w", err)
	}

	total := int64(-1)
	if q.Paginated {
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions`+where, args...).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("storage: count sessions: %w", err)
		}
	}
	return sessions, total, nil
}

// Alerts returns the most recent alerts, newest first.
func (s *PostgresStore) Alerts(ctx context.Context, limit int, unacknowledgedOnly bool) ([]models.Alert, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, rule_name, severity, src_ip, service, message, event_ids, timestamp, acknowledged, data
	          FROM alerts`
	if unacknowledgedOnly {
		query += ` WHERE acknowledged = FALSE`
	}
	query += ` ORDER BY id DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var a models.Alert
		var severity string
		var eventIDs, data []byte
		if err := rows.Scan(&a.ID, &a.RuleName, &severity, &a.SrcIP, &a.Service,
			&a.Message, &eventIDs, &a.Timestamp, &a.Acknowledged, &data); err != nil {
			return nil, fmt.Errorf("storage: scan alert: %w", err)
		}
		a.Severity = models.Severity(severity)
		if err := json.Unmarshal(eventIDs, &a.EventIDs); err != nil {
			a.EventIDs = nil
		}
		a.Data = decodeJSONMap(string(data))
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// EventsForSession returns the full timeline of one session, oldest first.
func (s *PostgresStore) EventsForSession(ctx context.Context, sessionID string) ([]models.Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, event_type, service, src_ip, timestamp, data
		FROM events WHERE session_id = $1 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: query session events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanPGEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// UniqueIPs returns the distinct source IPs seen in events, sorted.
func (s *PostgresStore) UniqueIPs(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT src_ip FROM events ORDER BY src_ip`)
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
func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
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
		{`SELECT COUNT(*) FROM alerts WHERE acknowledged = FALSE`, &st.UnacknowledgedAlerts},
		{`SELECT COUNT(DISTINCT src_ip) FROM events`, &st.UniqueIPs},
	}
	for _, c := range counts {
		if err := s.pool.QueryRow(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("storage: stats count: %w", err)
		}
	}

	for _, g := range []struct {
		query string
		dst   map[string]int64
	}{
		{`SELECT service, COUNT(*) FROM events GROUP BY service`, st.EventsByService},
		{`SELECT event_type, COUNT(*) FROM events GROUP BY event_type`, st.EventsByType},
	} {
		rows, err := s.pool.Query(ctx, g.query)
		if err != nil {
			return nil, fmt.Errorf("storage: stats group: %w", err)
		}
		for rows.Next() {
			var key string
			var count int64
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("storage: scan group row: %w", err)
			}
			g.dst[key] = count
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	rows, err := s.pool.Query(ctx,
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

// MapData joins geo_cache with events grouped by IP.
func (s *PostgresStore) MapData(ctx context.Context) ([]MapPoint, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.pool.Query(ctx, `
		SELECT g.ip, g.lat, g.lon, g.country, g.city, g.isp,
		       COUNT(DISTINCT e.session_id) AS session_count,
		       COUNT(e.id)                  AS event_count,
		       STRING_AGG(DISTINCT e.service, ',') AS services
		FROM   geo_cache g
		JOIN   events e ON e.src_ip = g.ip
		WHERE  g.lat != 0 OR g.lon != 0
		GROUP  BY g.ip, g.lat, g.lon, g.country, g.city, g.isp`)
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
func (s *PostgresStore) Attackers(ctx context.Context, limit, offset int) ([]Attacker, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT e.src_ip,
		       COUNT(e.id)                  AS event_count,
		       COUNT(DISTINCT e.session_id) AS session_count,
		       COUNT(DISTINCT e.service)    AS service_count,
		       STRING_AGG(DISTINCT e.service, ',') AS services,
		       SUM(CASE WHEN e.event_type = 'auth_attempt' THEN 1 ELSE 0 END) AS auth_attempts,
		       SUM(CASE WHEN e.event_type = 'command'      THEN 1 ELSE 0 END) AS commands,
		       MIN(e.timestamp) AS first_seen,
		       MAX(e.timestamp) AS last_seen,
		       COALESCE(g.country, ''), COALESCE(g.city, ''),
		       COALESCE(g.lat, 0), COALESCE(g.lon, 0), COALESCE(g.isp, '')
		FROM   events e
		LEFT JOIN geo_cache g ON g.ip = e.src_ip
		GROUP  BY e.src_ip, g.country, g.city, g.lat, g.lon, g.isp
		ORDER  BY event_count DESC
		LIMIT  $1 OFFSET $2`, limit, offset)
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

// ExportTable returns the full contents of one table as generic rows.
func (s *PostgresStore) ExportTable(ctx context.Context, table string) ([]map[string]any, error) {
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

// Reset truncates all four tables.
func (s *PostgresStore) Reset(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE events, sessions, alerts, geo_cache`); err != nil {
		return fmt.Errorf("storage: reset: %w", err)
	}
	s.log.Info("database reset, all data cleared")
	return nil
}

// Close marks the store closed and closes the pool.
func (s *PostgresStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pool.Close()
	return nil
}

func scanPGEvent(rows pgx.Rows) (*models.Event, error) {
	var e models.Event
	var eventType string
	var data []byte
	if err := rows.Scan(&e.ID, &e.SessionID, &eventType, &e.Service, &e.SrcIP, &e.Timestamp, &data); err != nil {
		return nil, err
	}
	e.EventType = models.EventType(eventType)
	e.Data = decodeJSONMap(string(data))
	return &e, nil
}
