package dashboard

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mantis-sec/mantis/internal/audit"
	"github.com/mantis-sec/mantis/internal/storage"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// ─── query helpers ───────────────────────────────────────────────────────────

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// queryList splits a comma-separated parameter into trimmed values.
func queryList(r *http.Request, name string) []string {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func pageSize(r *http.Request) int {
	limit := queryInt(r, "limit", defaultPageSize)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit
}

// ─── data routes ─────────────────────────────────────────────────────────────

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := storage.EventQuery{
		Limit:     pageSize(r),
		Offset:    queryInt(r, "offset", 0),
		Service:   r.URL.Query().Get("service"),
		Services:  queryList(r, "services"),
		Type:      r.URL.Query().Get("type"),
		Types:     queryList(r, "types"),
		SrcIP:     r.URL.Query().Get("ip"),
		Search:    r.URL.Query().Get("search"),
		From:      r.URL.Query().Get("from"),
		To:        r.URL.Query().Get("to"),
		Paginated: queryBool(r, "paginated"),
	}
	events, total, err := s.store.Events(r.Context(), q)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if q.Paginated {
		writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": total})
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	q := storage.SessionQuery{
		Limit:     pageSize(r),
		Offset:    queryInt(r, "offset", 0),
		SrcIP:     r.URL.Query().Get("ip"),
		Service:   r.URL.Query().Get("service"),
		Services:  queryList(r, "services"),
		Paginated: queryBool(r, "paginated"),
	}
	sessions, total, err := s.store.Sessions(r.Context(), q)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if q.Paginated {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": total})
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.Alerts(r.Context(), pageSize(r), queryBool(r, "unacknowledged"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	if err := s.store.AcknowledgeAlert(r.Context(), id); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.record(r, audit.ActionAlertAck, map[string]any{"alert_id": id})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGeo(w http.ResponseWriter, r *http.Request) {
	info := s.geo.Lookup(r.Context(), chi.URLParam(r, "ip"))
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	points, err := s.store.MapData(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleIPs(w http.ResponseWriter, r *http.Request) {
	ips, err := s.store.UniqueIPs(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ips)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.EventsForSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAttackers(w http.ResponseWriter, r *http.Request) {
	attackers, err := s.store.Attackers(r.Context(), pageSize(r), queryInt(r, "offset", 0))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, attackers)
}

// ─── config routes ───────────────────────────────────────────────────────────

// requireOrch answers 500 when the server runs without an orchestrator.
func (s *Server) requireOrch(w http.ResponseWriter) bool {
	if s.orch == nil {
		writeJSONError(w, http.StatusInternalServerError, "configuration backend unavailable")
		return false
	}
	return true
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireOrch(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.orch.ConfigSnapshot())
}

func (s *Server) handleGetFullConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireOrch(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.orch.FullConfigSnapshot())
}

func (s *Server) handleUpdateServiceConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireOrch(w) {
		return
	}
	name := chi.URLParam(r, "name")
	var patch map[string]any
	if err := decodeBody(r, &patch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	snapshot, err := s.orch.UpdateServiceConfig(r.Context(), name, patch)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.record(r, audit.ActionConfigService, map[string]any{"service": name, "patch": patch})
	s.hub.broadcast(wsMessage{Type: "config_change", Data: snapshot})
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleUpdateGlobalConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireOrch(w) {
		return
	}
	var patch map[string]any
	if err := decodeBody(r, &patch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	snapshot, err := s.orch.UpdateGlobalConfig(r.Context(), patch)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.record(r, audit.ActionConfigGlobal, map[string]any{"patch": patch})
	s.hub.broadcast(wsMessage{Type: "config_change", Data: snapshot})
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireOrch(w) {
		return
	}
	var body struct {
		Path string `json:"path"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	saved, err := s.orch.SaveConfig(body.Path)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.record(r, audit.ActionConfigSave, map[string]any{"path": saved})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "path": saved})
}

func (s *Server) handleExportConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireOrch(w) {
		return
	}
	raw, err := s.orch.ExportConfigYAML()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	w.Header().Set("Content-Disposition", "attachment; filename=mantis_config.yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// ─── maintenance and export routes ───────────────────────────────────────────

func (s *Server) handleDatabaseReset(w http.ResponseWriter, r *http.Request) {
	if !s.requireOrch(w) {
		return
	}
	if err := s.orch.ResetDatabase(r.Context()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.record(r, audit.ActionDatabaseReset, nil)
	s.hub.broadcast(wsMessage{Type: "database_reset"})
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Database reset complete",
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	if !storage.ValidExportTable(table) {
		writeJSONError(w, http.StatusBadRequest, "invalid table")
		return
	}
	rows, err := s.store.ExportTable(r.Context(), table)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=mantis_%s.csv", table))
		writeCSV(w, rows)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=mantis_%s.json", table))
	writeJSON(w, http.StatusOK, rows)
}

// writeCSV renders rows with a sorted header from the first row. Nested
// values are JSON-encoded so structured columns survive the flattening.
func writeCSV(w http.ResponseWriter, rows []map[string]any) {
	cw := csv.NewWriter(w)
	defer cw.Flush()
	if len(rows) == 0 {
		return
	}

	header := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		header = append(header, k)
	}
	sort.Strings(header)
	_ = cw.Write(header)

	record := make([]string, len(header))
	for _, row := range rows {
		for i, k := range header {
			record[i] = csvCell(row[k])
		}
		_ = cw.Write(record)
	}
}

func csvCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	default:
		return fmt.Sprint(val)
	}
}

// ─── firewall routes ─────────────────────────────────────────────────────────

func (s *Server) handleGetBlocked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"blocked":            s.firewall.list(),
		"iptables_available": s.firewall.available,
	})
}

func (s *Server) handleBlockIP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IP string `json:"ip"`
	}
	if err := decodeBody(r, &body); err != nil || strings.TrimSpace(body.IP) == "" {
		writeJSONError(w, http.StatusBadRequest, "ip is required")
		return
	}
	ip := strings.TrimSpace(body.IP)

	already, applied, err := s.firewall.block(ip)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "iptables failed: "+err.Error())
		return
	}
	if already {
		writeJSON(w, http.StatusOK, map[string]any{"status": "already_blocked", "ip": ip})
		return
	}

	s.record(r, audit.ActionBlockIP, map[string]any{"ip": ip})
	s.hub.broadcast(wsMessage{Type: "ip_blocked", Data: map[string]string{"ip": ip}})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "blocked",
		"ip":               ip,
		"iptables_applied": applied,
		"note":             blockNote(applied, s.firewall.available),
	})
}

func (s *Server) handleUnblockIP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IP string `json:"ip"`
	}
	if err := decodeBody(r, &body); err != nil || strings.TrimSpace(body.IP) == "" {
		writeJSONError(w, http.StatusBadRequest, "ip is required")
		return
	}
	ip := strings.TrimSpace(body.IP)

	wasBlocked, applied, err := s.firewall.unblock(ip)
	if !wasBlocked {
		writeJSON(w, http.StatusOK, map[string]any{"status": "not_blocked", "ip": ip})
		return
	}
	note := blockNote(applied, s.firewall.available)
	if err != nil {
		note = err.Error()
	}

	s.record(r, audit.ActionUnblockIP, map[string]any{"ip": ip})
	s.hub.broadcast(wsMessage{Type: "ip_unblocked", Data: map[string]string{"ip": ip}})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "unblocked",
		"ip":               ip,
		"iptables_applied": applied,
		"note":             note,
	})
}

func blockNote(applied, available bool) string {
	if !available {
		return "iptables not available, block is in-memory only"
	}
	if !applied {
		return "iptables rule not applied"
	}
	return ""
}
