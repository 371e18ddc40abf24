package services

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/models"
)

const ftpIdleTimeout = 60 * time.Second

// FTP emulates an FTP control channel: it accepts any login, fakes a
// directory listing, and captures RETR/STOR transfer attempts.
type FTP struct {
	base
}

func NewFTP(cfg *config.ServiceConfig, deps Deps) *FTP {
	return &FTP{base: newBase(models.ServiceFTP, cfg, deps)}
}

func (f *FTP) Start(ctx context.Context) error {
	return f.serve(ctx, f.cfg.Port, f.handle)
}

func (f *FTP) handle(conn net.Conn) {
	sess := f.createSession(conn, f.cfg.Port)
	defer f.endSession(sess)

	banner := f.cfg.Banner
	if banner == "" {
		banner = "220 FTP Server ready."
	}
	homeDir := config.ExtraString(f.cfg, "home_dir", "/home/admin")

	fmt.Fprintf(conn, "%s\r\n", banner)
	r := bufio.NewReader(conn)

	username := ""
	for {
		readDeadline(conn, ftpIdleTimeout)
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		cmd = strings.ToUpper(cmd)

		switch cmd {
		case "USER":
			username = arg
			fmt.Fprintf(conn, "331 Password required for %s.\r\n", arg)
			f.logEvent(sess, models.EventAuthAttempt, map[string]any{
				"username": arg, "stage": "user",
			})

		case "PASS":
			f.logEvent(sess, models.EventAuthAttempt, map[string]any{
				"username": username, "password": arg, "stage": "password",
			})
			io.WriteString(conn, "230 Login successful.\r\n")

		case "SYST":
			io.WriteString(conn, "215 UNIX Type: L8\r\n")

		case "PWD":
			fmt.Fprintf(conn, "257 %q is current directory.\r\n", homeDir)

		case "TYPE":
			io.WriteString(conn, "200 Type set.\r\n")

		case "PASV":
			io.WriteString(conn, "227 Entering Passive Mode (127,0,0,1,0,0).\r\n")

		case "LIST", "NLST":
			io.WriteString(conn, "150 Opening data connection.\r\n")
			f.logEvent(sess, models.EventCommand, map[string]any{
				"command": line, "response": "directory listing",
			})
			time.Sleep(200 * time.Millisecond)
			io.WriteString(conn, "226 Transfer complete.\r\n")

		case "RETR":
			f.logEvent(sess, models.EventFileTransfer, map[string]any{
				"direction": "download", "filename": arg,
			})
			io.WriteString(conn, "550 File not available.\r\n")

		case "STOR":
			f.logEvent(sess, models.EventFileTransfer, map[string]any{
				"direction": "upload", "filename": arg,
			})
			io.WriteString(conn, "150 Ok to send data.\r\n")
			readDeadline(conn, 5*time.Second)
			_, _ = io.CopyN(io.Discard, r, 65536)
			io.WriteString(conn, "226 Transfer complete.\r\n")

		case "CWD":
			f.logEvent(sess, models.EventCommand, map[string]any{"command": line})
			io.WriteString(conn, "250 Directory changed.\r\n")

		case "MKD":
			f.logEvent(sess, models.EventCommand, map[string]any{"command": line})
			fmt.Fprintf(conn, "257 %q created.\r\n", arg)

		case "QUIT":
			io.WriteString(conn, "221 Goodbye.\r\n")
			return

		case "FEAT":
			io.WriteString(conn, "211-Features:\r\n UTF8\r\n211 End\r\n")

		case "OPTS":
			io.WriteString(conn, "200 OK.\r\n")

		default:
			f.logEvent(sess, models.EventCommand, map[string]any{"command": line})
			fmt.Fprintf(conn, "502 Command '%s' not implemented.\r\n", cmd)
		}
	}
}
