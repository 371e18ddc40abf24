package detect

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mantis-sec/mantis/internal/models"
)

// statelessRule inspects a single event and either produces an alert or nil.
type statelessRule func(e *models.Event) *models.Alert

// statelessRules run in order on every processed event.
var statelessRules = []statelessRule{
	checkSSHShell,
	checkPayloadCaptured,
	checkNTLMCapture,
	checkMySQLQuery,
	checkHTTPThreat,
	checkPayloadIOC,
}

func newAlert(e *models.Event, rule string, severity models.Severity, message string) *models.Alert {
	return &models.Alert{
		RuleName:  rule,
		Severity:  severity,
		SrcIP:     e.SrcIP,
		Service:   e.Service,
		Message:   message,
		EventIDs:  []int64{e.ID},
		Timestamp: models.Now(),
	}
}

func dataString(e *models.Event, key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// checkSSHShell flags every shell command executed over SSH.
func checkSSHShell(e *models.Event) *models.Alert {
	if e.Service != models.ServiceSSH || e.EventType != models.EventCommand {
		return nil
	}
	cmd := dataString(e, "command")
	return newAlert(e, "ssh_shell_access", models.SeverityCritical,
		fmt.Sprintf("SSH shell command from %s: %s", e.SrcIP, truncate(cmd, 100)))
}

// checkPayloadCaptured flags file transfer attempts on any service.
func checkPayloadCaptured(e *models.Event) *models.Alert {
	if e.EventType != models.EventFileTransfer {
		return nil
	}
	direction := dataString(e, "direction")
	if direction == "" {
		direction = "transfer"
	}
	return newAlert(e, "payload_captured", models.SeverityCritical,
		fmt.Sprintf("File %s attempt from %s: %s", direction, e.SrcIP, dataString(e, "filename")))
}

// checkNTLMCapture flags captured NTLM authentication material on SMB.
func checkNTLMCapture(e *models.Event) *models.Alert {
	if e.Service != models.ServiceSMB || e.EventType != models.EventNTLMAuth {
		return nil
	}
	return newAlert(e, "ntlm_hash_captured", models.SeverityHigh,
		fmt.Sprintf("NTLM auth captured from %s: %s\\%s", e.SrcIP,
			dataString(e, "domain"), dataString(e, "username")))
}

// checkMySQLQuery flags SQL statements issued against the MySQL emulator.
func checkMySQLQuery(e *models.Event) *models.Alert {
	if e.Service != models.ServiceMySQL || e.EventType != models.EventQuery {
		return nil
	}
	return newAlert(e, "mysql_query", models.SeverityHigh,
		fmt.Sprintf("MySQL query from %s: %s", e.SrcIP, truncate(dataString(e, "query"), 200)))
}

// checkHTTPThreat runs the HTTP threat pattern library over request events.
// Severity is the worst matched pattern's.
func checkHTTPThreat(e *models.Event) *models.Alert {
	if e.Service != models.ServiceHTTP || e.EventType != models.EventRequest {
		return nil
	}
	corpus := BuildHTTPCorpus(e.Data)
	matches := ScanHTTPThreats(corpus)
	if len(matches) == 0 {
		return nil
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = m.Name
	}
	a := newAlert(e, "http_threat", worstSeverity(matches),
		fmt.Sprintf("HTTP threat from %s: %s - %s", e.SrcIP,
			strings.Join(names, ", "), dataString(e, "path")))
	a.Data = map[string]any{"patterns": matches}
	return a
}

// payloadScanTypes are the event kinds whose payloads go through the
// cross-service pattern and IOC scan.
var payloadScanTypes = map[models.EventType]bool{
	models.EventCommand:      true,
	models.EventRequest:      true,
	models.EventQuery:        true,
	models.EventFileTransfer: true,
}

// checkPayloadIOC scans command-like payloads from every service for malware
// delivery patterns and embedded indicators of compromise. It fires when a
// pattern matches or when a significant IOC (URL, hash, domain, email) is
// present; bare IP addresses alone are too noisy to alert on.
func checkPayloadIOC(e *models.Event) *models.Alert {
	if !payloadScanTypes[e.EventType] {
		return nil
	}
	corpus := BuildCorpus(e.Data)
	if strings.TrimSpace(corpus) == "" {
		return nil
	}

	matches := ScanPayload(corpus)
	iocs := ExtractIOCs(corpus)
	significant := false
	for kind := range iocs {
		if significantIOCTypes[kind] {
			significant = true
			break
		}
	}
	if len(matches) == 0 && !significant {
		return nil
	}

	severity := models.SeverityMedium
	if len(matches) > 0 {
		severity = worstSeverity(matches)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m.Name)
	}
	summary := strings.Join(names, ", ")
	if len(names) > 5 {
		summary = fmt.Sprintf("%s (+%d more)", strings.Join(names[:5], ", "), len(names)-5)
	}
	if summary == "" {
		summary = "IOC extracted"
	}

	a := newAlert(e, "payload_ioc", severity,
		fmt.Sprintf("Payload/IOC from %s: %s", e.SrcIP, summary))
	a.Data = map[string]any{
		"patterns":        matches,
		"iocs":            iocs,
		"command_preview": truncate(corpus, 300),
	}
	return a
}

// ─── Stateful rules ─────────────────────────────────────────────────────────

const (
	bruteForceThreshold = 20
	bruteForceWindow    = 300 * time.Second

	reconServiceThreshold = 3
	reconWindow           = 600 * time.Second
)

// BruteForceDetector fires once per source IP when auth attempts within the
// sliding window reach the threshold. The fired set is sticky until Reset.
type BruteForceDetector struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	alerted  map[string]bool
	now      func() time.Time
}

func NewBruteForceDetector() *BruteForceDetector {
	return &BruteForceDetector{
		attempts: map[string][]time.Time{},
		alerted:  map[string]bool{},
		now:      time.Now,
	}
}

// Check records one auth attempt and returns an alert the first time the
// windowed count reaches the threshold.
func (d *BruteForceDetector) Check(e *models.Event) *models.Alert {
	if e.EventType != models.EventAuthAttempt {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	cutoff := now.Add(-bruteForceWindow)
	kept := d.attempts[e.SrcIP][:0]
	for _, t := range d.attempts[e.SrcIP] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	d.attempts[e.SrcIP] = kept

	if len(kept) < bruteForceThreshold || d.alerted[e.SrcIP] {
		return nil
	}
	d.alerted[e.SrcIP] = true
	return newAlert(e, "brute_force", models.SeverityHigh,
		fmt.Sprintf("Brute force detected: %d auth attempts from %s in %ds",
			len(kept), e.SrcIP, int(bruteForceWindow.Seconds())))
}

// ReconDetector fires once per source IP when it connects to at least three
// distinct services within the sliding window.
type ReconDetector struct {
	mu      sync.Mutex
	seen    map[string]map[string]time.Time
	alerted map[string]bool
	now     func() time.Time
}

func NewReconDetector() *ReconDetector {
	return &ReconDetector{
		seen:    map[string]map[string]time.Time{},
		alerted: map[string]bool{},
		now:     time.Now,
	}
}

// Check records one service connection and returns an alert the first time
// the distinct-service count within the window reaches the threshold.
func (d *ReconDetector) Check(e *models.Event) *models.Alert {
	if e.EventType != models.EventConnection {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	cutoff := now.Add(-reconWindow)
	services := d.seen[e.SrcIP]
	if services == nil {
		services = map[string]time.Time{}
		d.seen[e.SrcIP] = services
	}
	for svc, t := range services {
		if !t.After(cutoff) {
			delete(services, svc)
		}
	}
	services[e.Service] = now

	if len(services) < reconServiceThreshold || d.alerted[e.SrcIP] {
		return nil
	}
	d.alerted[e.SrcIP] = true

	names := make([]string, 0, len(services))
	for svc := range services {
		names = append(names, svc)
	}
	sort.Strings(names)
	a := newAlert(e, "reconnaissance", models.SeverityMedium,
		fmt.Sprintf("Reconnaissance: %s probed %d services: %s",
			e.SrcIP, len(names), strings.Join(names, ", ")))
	a.Service = strings.Join(names, ",")
	return a
}
