package services

import (
	"bufio"
	"context"
	"io"
	"net"
	"time"

	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/models"
)

const telnetIdleTimeout = 120 * time.Second

// Telnet option negotiation bytes.
const (
	telnetIAC  = 0xFF
	telnetWILL = 0xFB
	telnetWONT = 0xFC
	telnetDO   = 0xFD
	telnetDONT = 0xFE
	telnetEcho = 0x01
)

// Telnet emulates a router-style telnet login followed by the shared fake
// shell. It also binds any "additional_ports" extras (typically 23) so
// scanners probing the standard port land in the same trap.
type Telnet struct {
	base
}

func NewTelnet(cfg *config.ServiceConfig, deps Deps) *Telnet {
	return &Telnet{base: newBase(models.ServiceTelnet, cfg, deps)}
}

func (t *Telnet) Start(ctx context.Context) error {
	if err := t.serve(ctx, t.cfg.Port, func(c net.Conn) { t.handle(c, t.cfg.Port) }); err != nil {
		return err
	}
	for _, port := range config.ExtraPorts(t.cfg) {
		port := port
		if err := t.serve(ctx, port, func(c net.Conn) { t.handle(c, port) }); err != nil {
			// Extra ports are best effort; 23 usually needs privileges.
			t.log.Warn("additional port bind failed", "port", port, "error", err)
		}
	}
	return nil
}

func (t *Telnet) handle(conn net.Conn, dstPort int) {
	sess := t.createSession(conn, dstPort)
	defer t.endSession(sess)

	loginBanner := t.cfg.Banner
	if loginBanner == "" {
		loginBanner = "gateway-01 login: "
	}
	prompt := config.ExtraString(t.cfg, "prompt", "root@gateway-01:~$ ")

	r := bufio.NewReader(conn)

	io.WriteString(conn, "\r\nUbuntu 22.04.3 LTS\r\n\r\n")
	io.WriteString(conn, loginBanner)
	username, err := t.readLine(conn, r)
	if err != nil {
		return
	}

	// Suppress client-side echo while the password is typed.
	conn.Write([]byte{telnetIAC, telnetWILL, telnetEcho})
	io.WriteString(conn, "Password: ")
	password, err := t.readLine(conn, r)
	if err != nil {
		return
	}
	conn.Write([]byte{telnetIAC, telnetWONT, telnetEcho})

	t.logEvent(sess, models.EventAuthAttempt, map[string]any{
		"username": username,
		"password": password,
	})

	io.WriteString(conn, "\r\nLast login: Mon Jan 15 08:45:12 2024 from 10.0.1.1\r\n")
	io.WriteString(conn, prompt)

	for {
		command, err := t.readLine(conn, r)
		if err != nil {
			return
		}
		if command == "" {
			io.WriteString(conn, prompt)
			continue
		}

		t.logEvent(sess, models.EventCommand, map[string]any{
			"command":  command,
			"username": username,
		})

		if isShellExit(command) {
			io.WriteString(conn, "logout\r\n")
			return
		}
		if out := shellRespond(command); out != "" {
			io.WriteString(conn, out+"\r\n")
		}
		io.WriteString(conn, prompt)
	}
}

// readLine reads one line, stripping CR/LF and in-band telnet IAC sequences
// (3-byte option negotiations; escaped 0xFF 0xFF data bytes collapse to one).
func (t *Telnet) readLine(conn net.Conn, r *bufio.Reader) (string, error) {
	readDeadline(conn, telnetIdleTimeout)
	raw, err := r.ReadBytes('\n')
	if err != nil {
		return "", err
	}

	var out []byte
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b == telnetIAC && i+1 < len(raw) {
			if raw[i+1] == telnetIAC {
				out = append(out, telnetIAC)
				i++
				continue
			}
			// IAC <command> <option>
			i += 2
			continue
		}
		if b == '\r' || b == '\n' {
			continue
		}
		out = append(out, b)
	}
	return string(out), nil
}
