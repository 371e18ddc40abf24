package services

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/models"
)

const (
	smtpIdleTimeout = 60 * time.Second
	smtpDataTimeout = 30 * time.Second

	// smtpMaxBodyLines caps how much of an email body gets read.
	smtpMaxBodyLines = 500
)

// SMTP emulates a Postfix-style mail server: it advertises AUTH, decodes
// LOGIN and PLAIN credentials, and captures sender, recipients, and a
// preview of submitted mail bodies.
type SMTP struct {
	base
}

func NewSMTP(cfg *config.ServiceConfig, deps Deps) *SMTP {
	return &SMTP{base: newBase(models.ServiceSMTP, cfg, deps)}
}

func (s *SMTP) Start(ctx context.Context) error {
	return s.serve(ctx, s.cfg.Port, s.handle)
}

// authState tracks the AUTH LOGIN base64 exchange.
type authState int

const (
	authIdle authState = iota
	authWaitUser
	authWaitPass
)

func (s *SMTP) handle(conn net.Conn) {
	sess := s.createSession(conn, s.cfg.Port)
	defer s.endSession(sess)

	banner := s.cfg.Banner
	if banner == "" {
		banner = "220 mail.example.com ESMTP Postfix (Ubuntu)"
	}
	hostname := config.ExtraString(s.cfg, "hostname", "mail.example.com")

	fmt.Fprintf(conn, "%s\r\n", banner)
	r := bufio.NewReader(conn)

	var (
		mailFrom string
		rcptTo   []string
		authUser string
		state    authState
	)

	for {
		readDeadline(conn, smtpIdleTimeout)
		raw, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		switch state {
		case authWaitUser:
			authUser = b64OrRaw(line)
			io.WriteString(conn, "334 UGFzc3dvcmQ6\r\n")
			state = authWaitPass
			continue
		case authWaitPass:
			s.logEvent(sess, models.EventAuthAttempt, map[string]any{
				"username":  authUser,
				"password":  b64OrRaw(line),
				"mechanism": "LOGIN",
			})
			io.WriteString(conn, "235 2.7.0 Authentication successful\r\n")
			state = authIdle
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		cmd = strings.ToUpper(cmd)
		upper := strings.ToUpper(line)

		switch {
		case cmd == "HELO":
			s.logEvent(sess, models.EventCommand, map[string]any{
				"command": "HELO", "hostname": arg,
			})
			fmt.Fprintf(conn, "250 %s Hello %s\r\n", hostname, arg)

		case cmd == "EHLO":
			s.logEvent(sess, models.EventCommand, map[string]any{
				"command": "EHLO", "hostname": arg,
			})
			fmt.Fprintf(conn, "250-%s Hello %s\r\n", hostname, arg)
			io.WriteString(conn, "250-SIZE 52428800\r\n"+
				"250-8BITMIME\r\n"+
				"250-STARTTLS\r\n"+
				"250-AUTH LOGIN PLAIN CRAM-MD5\r\n"+
				"250-ENHANCEDSTATUSCODES\r\n"+
				"250-PIPELINING\r\n"+
				"250-CHUNKING\r\n"+
				"250 SMTPUTF8\r\n")

		case cmd == "STARTTLS":
			io.WriteString(conn, "454 4.7.0 TLS not available\r\n")

		case cmd == "AUTH":
			state = s.handleAuth(sess, conn, arg, &authUser)

		case strings.HasPrefix(upper, "MAIL FROM:"):
			mailFrom = strings.Trim(strings.TrimSpace(line[10:]), "<>")
			s.logEvent(sess, models.EventCommand, map[string]any{
				"command": "MAIL FROM", "sender": mailFrom,
			})
			io.WriteString(conn, "250 2.1.0 Ok\r\n")

		case strings.HasPrefix(upper, "RCPT TO:"):
			recipient := strings.Trim(strings.TrimSpace(line[8:]), "<>")
			rcptTo = append(rcptTo, recipient)
			s.logEvent(sess, models.EventCommand, map[string]any{
				"command": "RCPT TO", "recipient": recipient,
			})
			io.WriteString(conn, "250 2.1.5 Ok\r\n")

		case cmd == "DATA":
			io.WriteString(conn, "354 End data with <CR><LF>.<CR><LF>\r\n")
			lines := s.readBody(conn, r)
			preview := strings.Join(lines[:min(len(lines), 100)], "\n")
			if len(preview) > 4096 {
				preview = preview[:4096]
			}
			s.logEvent(sess, models.EventRequest, map[string]any{
				"command":      "DATA",
				"sender":       mailFrom,
				"recipients":   rcptTo,
				"body_preview": preview,
				"body_lines":   len(lines),
			})
			io.WriteString(conn, "250 2.0.0 Ok: queued as FAKE1234\r\n")

		case cmd == "RSET":
			mailFrom, rcptTo = "", nil
			io.WriteString(conn, "250 2.0.0 Ok\r\n")

		case cmd == "NOOP":
			io.WriteString(conn, "250 2.0.0 Ok\r\n")

		case cmd == "VRFY":
			s.logEvent(sess, models.EventCommand, map[string]any{
				"command": "VRFY", "address": arg,
			})
			io.WriteString(conn, "252 2.0.0 Cannot VRFY user\r\n")

		case cmd == "EXPN":
			s.logEvent(sess, models.EventCommand, map[string]any{
				"command": "EXPN", "list": arg,
			})
			io.WriteString(conn, "252 2.0.0 Cannot EXPN\r\n")

		case cmd == "QUIT":
			io.WriteString(conn, "221 2.0.0 Bye\r\n")
			return

		default:
			s.logEvent(sess, models.EventCommand, map[string]any{"command": line})
			io.WriteString(conn, "502 5.5.2 Error: command not recognized\r\n")
		}
	}
}

// handleAuth processes the AUTH command and returns the follow-up state for
// multi-step mechanisms.
func (s *SMTP) handleAuth(sess *models.Session, conn net.Conn, arg string, authUser *string) authState {
	mechanism, rest, _ := strings.Cut(arg, " ")
	mechanism = strings.ToUpper(mechanism)

	switch mechanism {
	case "LOGIN":
		if rest != "" {
			*authUser = b64OrRaw(rest)
			io.WriteString(conn, "334 UGFzc3dvcmQ6\r\n")
			return authWaitPass
		}
		io.WriteString(conn, "334 VXNlcm5hbWU6\r\n")
		return authWaitUser

	case "PLAIN":
		if rest == "" {
			io.WriteString(conn, "334\r\n")
			return authWaitUser
		}
		// AUTH PLAIN <base64(authzid\0authcid\0passwd)>
		username, password := rest, ""
		if decoded, err := base64.StdEncoding.DecodeString(rest); err == nil {
			parts := strings.Split(string(decoded), "\x00")
			if len(parts) > 1 {
				username = parts[1]
			}
			if len(parts) > 2 {
				password = parts[2]
			}
		}
		s.logEvent(sess, models.EventAuthAttempt, map[string]any{
			"username":  username,
			"password":  password,
			"mechanism": "PLAIN",
		})
		io.WriteString(conn, "235 2.7.0 Authentication successful\r\n")
		return authIdle

	default:
		s.logEvent(sess, models.EventAuthAttempt, map[string]any{
			"mechanism": mechanism, "raw": arg,
		})
		io.WriteString(conn, "235 2.7.0 Authentication successful\r\n")
		return authIdle
	}
}

// readBody consumes the DATA payload up to the lone "." terminator.
func (s *SMTP) readBody(conn net.Conn, r *bufio.Reader) []string {
	var lines []string
	for {
		readDeadline(conn, smtpDataTimeout)
		raw, err := r.ReadString('\n')
		if err != nil {
			return lines
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "." {
			return lines
		}
		lines = append(lines, line)
		if len(lines) > smtpMaxBodyLines {
			return lines
		}
	}
}

func b64OrRaw(s string) string {
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return string(decoded)
	}
	return s
}
