// Package models defines the value types shared across the MANTIS capture
// pipeline: Session, Event, Alert, and GeoInfo, plus the enumerations for
// event kinds, service tags, and alert severities. The JSON form of these
// structs is the canonical wire format used by the database, the WebSocket
// stream, and the HTTP API.
package models

import "time"

// TimeLayout is the canonical timestamp format: fixed-width UTC with
// microsecond precision, so stored values sort lexicographically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Now returns the current UTC time in TimeLayout form.
func Now() string {
	return time.Now().UTC().Format(TimeLayout)
}

// EventType is the kind of an observable action inside a session.
type EventType string

const (
	EventConnection   EventType = "connection"
	EventAuthAttempt  EventType = "auth_attempt"
	EventCommand      EventType = "command"
	EventRequest      EventType = "request"
	EventQuery        EventType = "query"
	EventFileTransfer EventType = "file_transfer"
	EventNTLMAuth     EventType = "ntlm_auth"
	EventDisconnect   EventType = "disconnect"
	EventError        EventType = "error"
)

// Service tags for the eleven protocol emulators.
const (
	ServiceSSH     = "ssh"
	ServiceHTTP    = "http"
	ServiceFTP     = "ftp"
	ServiceSMB     = "smb"
	ServiceMySQL   = "mysql"
	ServiceTelnet  = "telnet"
	ServiceSMTP    = "smtp"
	ServiceMongoDB = "mongodb"
	ServiceVNC     = "vnc"
	ServiceRedis   = "redis"
	ServiceADB     = "adb"
)

// Severity is the urgency level of an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// severityRank orders severities from most to least urgent.
var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
	SeverityInfo:     4,
}

// Worse reports whether a is strictly more urgent than b. Unknown severities
// rank below info.
func Worse(a, b Severity) bool {
	ra, ok := severityRank[a]
	if !ok {
		ra = len(severityRank)
	}
	rb, ok := severityRank[b]
	if !ok {
		rb = len(severityRank)
	}
	return ra < rb
}

// Session is an attacker's end-to-end interaction with one service instance.
// EndedAt is nil while the TCP connection is still open.
type Session struct {
	ID        string         `json:"id"`
	Service   string         `json:"service"`
	SrcIP     string         `json:"src_ip"`
	SrcPort   int            `json:"src_port"`
	DstPort   int            `json:"dst_port"`
	StartedAt string         `json:"started_at"`
	EndedAt   *string        `json:"ended_at"`
	Metadata  map[string]any `json:"metadata"`
}

// Event is one observable action inside a session. ID is assigned by the
// store on insert and is monotonically increasing in persistence order.
// Data is the protocol-specific payload; it may embed a "threats" list
// populated by the emulator at capture time.
type Event struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	EventType EventType      `json:"event_type"`
	Service   string         `json:"service"`
	SrcIP     string         `json:"src_ip"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Alert is a detection rule firing. Only the Acknowledged flag mutates after
// insert.
type Alert struct {
	ID           int64          `json:"id"`
	RuleName     string         `json:"rule_name"`
	Severity     Severity       `json:"severity"`
	SrcIP        string         `json:"src_ip"`
	Service      string         `json:"service"`
	Message      string         `json:"message"`
	EventIDs     []int64        `json:"event_ids"`
	Timestamp    string         `json:"timestamp"`
	Acknowledged bool           `json:"acknowledged"`
	Data         map[string]any `json:"data,omitempty"`
}

// GeoInfo is a cached IP geolocation record keyed by IP address.
type GeoInfo struct {
	IP          string  `json:"ip"`
	Country     string  `json:"country"`
	CountryCode string  `json:"country_code"`
	Region      string  `json:"region"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
	ASNumber    string  `json:"as_number"`
	CachedAt    string  `json:"-"`
}
