// Package detect is the detection engine: stateless pattern rules and
// stateful sliding-window rules that screen every captured event, plus
// asynchronous webhook dispatch for the alerts they produce.
package detect

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/mantis-sec/mantis/internal/models"
)

// Pattern is one named detection regex with its severity.
type Pattern struct {
	Name        string
	Severity    models.Severity
	Re          *regexp.Regexp
	Description string
}

// Match is a pattern hit, in the JSON shape embedded into event payloads
// ("threats") and alert data ("patterns").
type Match struct {
	Name        string          `json:"name"`
	Severity    models.Severity `json:"severity"`
	Description string          `json:"description"`
}

// HTTPThreatPatterns are scanned against HTTP request corpora
// (path + body + user-agent + query + header values).
var HTTPThreatPatterns = []Pattern{
	{"log4shell", models.SeverityCritical,
		regexp.MustCompile(`(?i)\$\{jndi:`),
		"Log4Shell JNDI injection attempt (CVE-2021-44228)"},
	{"spring4shell", models.SeverityCritical,
		regexp.MustCompile(`(?i)class\.module\.classLoader|ClassLoader.*getURLs`),
		"Spring4Shell RCE attempt (CVE-2022-22965)"},
	{"shellshock", models.SeverityCritical,
		regexp.MustCompile(`\(\)\s*\{.*;\s*\}`),
		"Shellshock bash injection (CVE-2014-6271)"},
	{"php_rce", models.SeverityHigh,
		regexp.MustCompile(`(?i)(?:eval|assert|system|exec|passthru|shell_exec|popen|proc_open)\s*\(`),
		"PHP remote code execution attempt"},
	{"command_injection", models.SeverityHigh,
		regexp.MustCompile("(?:;|\\||&&|\\$\\(|`)\\s*(?:cat|ls|id|whoami|uname|wget|curl|nc|bash|sh|python|perl|ruby)\\b"),
		"OS command injection attempt"},
	{"sql_injection", models.SeverityHigh,
		regexp.MustCompile(`(?i)(?:'\s*(?:OR|AND|UNION)\s+|--\s*$|;\s*(?:DROP|DELETE|INSERT|UPDATE|SELECT)\s)`),
		"SQL injection attempt"},
	{"path_traversal", models.SeverityHigh,
		regexp.MustCompile(`(?:\.\./|\.\.\\){2,}|/etc/(?:passwd|shadow|hosts)`),
		"Path traversal / local file inclusion"},
	{"xss", models.SeverityMedium,
		regexp.MustCompile(`(?i)<script[^>]*>|javascript:|on(?:error|load|mouseover)\s*=`),
		"Cross-site scripting (XSS) attempt"},
	{"cve_path_probe", models.SeverityMedium,
		regexp.MustCompile(`(?i)(?:/\.env|/wp-admin|/wp-login|/actuator|/\.git/|/phpmyadmin|/phpinfo|/server-status|/admin/config|/solr/|/struts|/cgi-bin/)`),
		"Known vulnerable path probe"},
	{"webshell_probe", models.SeverityHigh,
		regexp.MustCompile(`(?i)(?:c99|r57|wso|b374k|alfa|webshell|cmd\.php|shell\.php)`),
		"Web shell access attempt"},
}

// PayloadPatterns are scanned against the cross-service corpus built from
// every text-bearing payload field (shell commands, queries, uploads,
// request bodies).
var PayloadPatterns = []Pattern{
	// Downloaders
	{"wget_download", models.SeverityCritical,
		regexp.MustCompile(`(?i)\bwget\s+https?://`),
		"wget download from remote URL"},
	{"curl_download", models.SeverityCritical,
		regexp.MustCompile(`(?i)\bcurl\s+.*https?://`),
		"curl download from remote URL"},
	{"curl_pipe_sh", models.SeverityCritical,
		regexp.MustCompile(`(?i)\bcurl\b.*\|\s*(?:ba)?sh\b`),
		"curl piped to shell execution"},
	{"wget_pipe_sh", models.SeverityCritical,
		regexp.MustCompile(`(?i)\bwget\b.*-(?:O|q).*\|\s*(?:ba)?sh\b`),
		"wget output piped to shell execution"},
	{"tftp_download", models.SeverityHigh,
		regexp.MustCompile(`(?i)\btftp\b.*\bget\b`),
		"TFTP file download"},

	// Shell loaders
	{"chmod_exec", models.SeverityHigh,
		regexp.MustCompile(`(?i)\bchmod\s+\+?[0-7]*x\b`),
		"chmod making file executable"},
	{"bash_script", models.SeverityHigh,
		regexp.MustCompile(`(?i)\b(?:ba)?sh\s+\S+\.sh\b`),
		"Direct shell script execution"},
	{"dot_slash_exec", models.SeverityHigh,
		regexp.MustCompile(`\./\S+\.(?:sh|pl|py|elf)\b`),
		"Direct execution of downloaded script/binary"},
	{"sh_download", models.SeverityHigh,
		regexp.MustCompile(`(?i)https?://\S+\.sh\b`),
		"Download of .sh shell script"},

	// Reverse shells
	{"bash_revshell", models.SeverityCritical,
		regexp.MustCompile(`(?i)bash\s+-i\s+>&\s*/dev/tcp/`),
		"Bash reverse shell via /dev/tcp"},
	{"nc_revshell", models.SeverityCritical,
		regexp.MustCompile(`(?i)\bnc\b.*-[elp].*(?:/bin/(?:ba)?sh|/bin/cmd)`),
		"Netcat reverse shell"},
	{"python_revshell", models.SeverityCritical,
		regexp.MustCompile(`(?i)python[23]?\s+-c\s+.*socket.*connect`),
		"Python reverse shell one-liner"},
	{"perl_revshell", models.SeverityCritical,
		regexp.MustCompile(`(?i)perl\s+-e\s+.*socket.*INET`),
		"Perl reverse shell one-liner"},
	{"ruby_revshell", models.SeverityCritical,
		regexp.MustCompile(`(?i)ruby\s+-[re].*TCPSocket`),
		"Ruby reverse shell one-liner"},
	{"php_revshell", models.SeverityCritical,
		regexp.MustCompile(`(?i)php\s+-r\s+.*fsockopen`),
		"PHP reverse shell one-liner"},
	{"mkfifo_revshell", models.SeverityCritical,
		regexp.MustCompile(`(?i)\bmkfifo\b.*\bnc\b`),
		"mkfifo/nc named pipe reverse shell"},
	{"socat_revshell", models.SeverityCritical,
		regexp.MustCompile(`(?i)\bsocat\b.*exec.*(?:sh|bash)`),
		"Socat reverse shell"},
	{"dev_tcp", models.SeverityCritical,
		regexp.MustCompile(`/dev/tcp/\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}/\d+`),
		"Bash /dev/tcp connection to IP:port"},

	// Shellcode / encoded payloads
	{"hex_shellcode", models.SeverityCritical,
		regexp.MustCompile(`(?i)(?:\\x[0-9a-f]{2}){8,}`),
		"Hex-encoded shellcode sequence"},
	{"long_hex_string", models.SeverityHigh,
		regexp.MustCompile(`(?i)[0-9a-f]{64,}`),
		"Long hex string (potential shellcode/hash)"},
	{"base64_pipe_sh", models.SeverityCritical,
		regexp.MustCompile(`(?i)base64\s+-d\s*\|\s*(?:ba)?sh\b`),
		"Base64-decoded payload piped to shell"},
	{"echo_decode_exec", models.SeverityCritical,
		regexp.MustCompile(`(?i)echo\s+['"]?[A-Za-z0-9+/=]{20,}['"]?\s*\|\s*base64\s+-d`),
		"Echo base64 payload decoded and executed"},

	// Persistence
	{"crontab_mod", models.SeverityHigh,
		regexp.MustCompile(`(?i)\bcrontab\b|\bcron\.d\b|/var/spool/cron`),
		"Crontab / cron persistence modification"},
	{"rc_local", models.SeverityHigh,
		regexp.MustCompile(`(?i)/etc/rc\.local\b`),
		"rc.local startup persistence"},
	{"systemd_persist", models.SeverityHigh,
		regexp.MustCompile(`(?i)/etc/systemd/|systemctl\s+(?:enable|start)`),
		"Systemd service persistence"},
	{"ssh_key_inject", models.SeverityCritical,
		regexp.MustCompile(`(?i)authorized_keys|\.ssh/.*id_rsa`),
		"SSH authorized_keys manipulation"},

	// Crypto miners
	{"xmrig", models.SeverityCritical,
		regexp.MustCompile(`(?i)\bxmrig\b`),
		"XMRig crypto miner detected"},
	{"mining_pool", models.SeverityCritical,
		regexp.MustCompile(`(?i)stratum\+tcp://|pool\.|mining\.|(?:mine|pool)\..*:\d{4,5}`),
		"Crypto mining pool connection"},
	{"monero_wallet", models.SeverityHigh,
		regexp.MustCompile(`4[0-9AB][1-9A-HJ-NP-Za-km-z]{93}`),
		"Potential Monero wallet address"},

	// Privilege escalation
	{"suid_chmod", models.SeverityCritical,
		regexp.MustCompile(`(?i)\bchmod\s+[u+]*s|chmod\s+4[0-7]{3}\b`),
		"SUID bit manipulation"},
	{"iptables_flush", models.SeverityHigh,
		regexp.MustCompile(`(?i)\biptables\s+-F\b`),
		"iptables firewall flush"},
	{"passwd_shadow", models.SeverityHigh,
		regexp.MustCompile(`/etc/(?:passwd|shadow)\b`),
		"Access to /etc/passwd or /etc/shadow"},

	// Temp directory execution
	{"tmp_exec", models.SeverityMedium,
		regexp.MustCompile(`(?:/tmp/|/dev/shm/|/var/tmp/)\S+`),
		"Execution from temporary directory"},
}

// iocExtractors map IOC type to its extraction regex.
var iocExtractors = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"urls", regexp.MustCompile(`https?://[^\s"'<>\]\)}{]+`)},
	{"ips", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{"domains", regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+(?:com|net|org|io|ru|cn|tk|top|xyz|cc|onion|info|biz|pw|su|to|sh|me)\b`)},
	{"md5", regexp.MustCompile(`\b[a-fA-F0-9]{32}\b`)},
	{"sha1", regexp.MustCompile(`\b[a-fA-F0-9]{40}\b`)},
	{"sha256", regexp.MustCompile(`\b[a-fA-F0-9]{64}\b`)},
	{"emails", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
}

// privateIPRe filters private and loopback addresses out of IOC results.
var privateIPRe = regexp.MustCompile(`^(?:10\.|172\.(?:1[6-9]|2\d|3[01])\.|192\.168\.|127\.|0\.0\.0\.0)`)

// iocCap bounds each extracted IOC list.
const iocCap = 20

// significantIOCTypes are the IOC kinds that justify an alert on their own;
// bare IP addresses alone do not.
var significantIOCTypes = map[string]bool{
	"urls": true, "md5": true, "sha1": true, "sha256": true,
	"domains": true, "emails": true,
}

// ScanHTTPThreats runs the HTTP threat pattern library over corpus.
func ScanHTTPThreats(corpus string) []Match {
	return scan(HTTPThreatPatterns, corpus)
}

// ScanPayload runs the cross-service payload pattern library over corpus.
func ScanPayload(corpus string) []Match {
	return scan(PayloadPatterns, corpus)
}

func scan(patterns []Pattern, corpus string) []Match {
	var matched []Match
	for _, p := range patterns {
		if p.Re.MatchString(corpus) {
			matched = append(matched, Match{Name: p.Name, Severity: p.Severity, Description: p.Description})
		}
	}
	return matched
}

// worstSeverity returns the most urgent severity among matches; callers must
// pass a non-empty slice.
func worstSeverity(matches []Match) models.Severity {
	best := matches[0].Severity
	for _, m := range matches[1:] {
		if models.Worse(m.Severity, best) {
			best = m.Severity
		}
	}
	return best
}

// ExtractIOCs runs every IOC extractor over corpus and returns the found
// indicators by type, deduplicated in first-seen order and capped at iocCap
// per type. Private and loopback IPs are filtered out.
func ExtractIOCs(corpus string) map[string][]string {
	iocs := map[string][]string{}
	for _, ex := range iocExtractors {
		raw := ex.re.FindAllString(corpus, -1)
		seen := map[string]bool{}
		var vals []string
		for _, v := range raw {
			if seen[v] {
				continue
			}
			seen[v] = true
			if ex.kind == "ips" && privateIPRe.MatchString(v) {
				continue
			}
			vals = append(vals, v)
			if len(vals) == iocCap {
				break
			}
		}
		if len(vals) > 0 {
			iocs[ex.kind] = vals
		}
	}
	return iocs
}

// corpusKeys are the payload fields harvested into the cross-service scan
// corpus, in a stable order.
var corpusKeys = []string{"command", "raw", "script", "destination"}

// BuildCorpus combines every scannable text field of an event payload into
// one string: shell commands and their args, database queries, HTTP fields
// and header values, transferred filenames, mail previews, and config
// parameters.
func BuildCorpus(data map[string]any) string {
	var parts []string
	for _, key := range corpusKeys {
		if v, ok := data[key]; ok {
			parts = append(parts, stringify(v))
		}
	}
	if args, ok := data["args"].([]any); ok {
		for _, a := range args {
			parts = append(parts, stringify(a))
		}
	} else if args, ok := data["args"].([]string); ok {
		parts = append(parts, args...)
	}
	if v, ok := data["query"]; ok {
		parts = append(parts, stringify(v))
	}
	for _, key := range []string{"path", "body", "user_agent"} {
		if v, ok := data[key]; ok {
			parts = append(parts, stringify(v))
		}
	}
	parts = append(parts, headerValues(data["headers"])...)
	if v, ok := data["filename"]; ok {
		parts = append(parts, stringify(v))
	}
	if v, ok := data["body_preview"]; ok {
		parts = append(parts, stringify(v))
	}
	for _, key := range []string{"param", "value"} {
		if v, ok := data[key]; ok {
			parts = append(parts, stringify(v))
		}
	}
	return join(parts)
}

// BuildHTTPCorpus combines the HTTP request fields scanned by the HTTP
// threat rule: path, body, user agent, query, and all header values.
func BuildHTTPCorpus(data map[string]any) string {
	parts := []string{
		stringify(data["path"]),
		stringify(data["body"]),
		stringify(data["user_agent"]),
		stringify(data["query"]),
	}
	parts = append(parts, headerValues(data["headers"])...)
	return join(parts)
}

// headerValues returns the values of a header map in stable key order.
func headerValues(v any) []string {
	var out []string
	switch h := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(h))
		for k := range h {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, stringify(h[k]))
		}
	case map[string]string:
		keys := make([]string, 0, len(h))
		for k := range h {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, h[k])
		}
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func join(parts []string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += p
	}
	return out
}
