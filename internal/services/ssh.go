package services

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/models"
)

const (
	sshHostKeyFile   = ".honeypot_ssh_host_key"
	sshHandshakeTime = 30 * time.Second
	sshIdleTimeout   = 300 * time.Second
)

// SSH emulates an OpenSSH server: every password and public key is accepted
// and captured, and authenticated clients land in the shared fake shell.
type SSH struct {
	base
	signer ssh.Signer
}

func NewSSH(cfg *config.ServiceConfig, deps Deps) *SSH {
	return &SSH{base: newBase(models.ServiceSSH, cfg, deps)}
}

func (s *SSH) Start(ctx context.Context) error {
	signer, err := loadOrCreateHostKey(config.ExtraString(s.cfg, "host_key_path", sshHostKeyFile))
	if err != nil {
		return fmt.Errorf("services: ssh: host key: %w", err)
	}
	s.signer = signer
	return s.serve(ctx, s.cfg.Port, s.handle)
}

// loadOrCreateHostKey reuses the persisted host key so the fingerprint stays
// stable across restarts, which repeat visitors check.
func loadOrCreateHostKey(path string) (ssh.Signer, error) {
	if raw, err := os.ReadFile(path); err == nil {
		if signer, err := ssh.ParsePrivateKey(raw); err == nil {
			return signer, nil
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	raw := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(key)
}

func (s *SSH) handle(conn net.Conn) {
	sess := s.createSession(conn, s.cfg.Port)
	defer s.endSession(sess)

	banner := s.cfg.Banner
	if banner == "" {
		banner = "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6"
	}

	cfg := &ssh.ServerConfig{
		ServerVersion: banner,
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			s.logEvent(sess, models.EventAuthAttempt, map[string]any{
				"username": meta.User(),
				"password": string(password),
			})
			return &ssh.Permissions{}, nil
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.logEvent(sess, models.EventAuthAttempt, map[string]any{
				"username":        meta.User(),
				"key_type":        key.Type(),
				"key_fingerprint": hex.EncodeToString(key.Marshal())[:32],
			})
			return &ssh.Permissions{}, nil
		},
	}
	cfg.AddHostKey(s.signer)

	readDeadline(conn, sshHandshakeTime)
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	readDeadline(conn, 0)
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleSession(sess, conn, sconn.User(), channel, requests)
		}()
	}
}

// handleSession serves one session channel: exec requests get a single
// response, shell requests get the interactive fake shell.
func (s *SSH) handleSession(sess *models.Session, conn net.Conn, username string, channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req", "env", "window-change":
			req.Reply(true, nil)

		case "exec":
			// exec payload: uint32 length + command
			command := ""
			if len(req.Payload) > 4 {
				command = string(req.Payload[4:])
			}
			req.Reply(true, nil)
			s.logEvent(sess, models.EventCommand, map[string]any{
				"command":  command,
				"username": username,
				"mode":     "exec",
			})
			if out := shellRespond(command); out != "" {
				io.WriteString(channel, out+"\n")
			}
			channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			return

		case "shell":
			req.Reply(true, nil)
			s.interactiveShell(sess, conn, username, channel)
			return

		default:
			req.Reply(false, nil)
		}
	}
}

// interactiveShell runs the character-at-a-time fake shell over the channel.
func (s *SSH) interactiveShell(sess *models.Session, conn net.Conn, username string, channel ssh.Channel) {
	hostname := config.ExtraString(s.cfg, "hostname", "prod-web-01")
	prompt := config.ExtraString(s.cfg, "prompt", fmt.Sprintf("root@%s:~# ", hostname))

	io.WriteString(channel, "Welcome to Ubuntu 22.04.3 LTS (GNU/Linux 5.15.0-91-generic x86_64)\r\n\r\n")
	io.WriteString(channel, "Last login: Mon Jan 15 08:45:12 2024 from 10.0.1.1\r\n")
	io.WriteString(channel, prompt)

	var line []byte
	buf := make([]byte, 1)
	for {
		readDeadline(conn, sshIdleTimeout)
		if _, err := channel.Read(buf); err != nil {
			return
		}

		switch c := buf[0]; {
		case c == '\r' || c == '\n':
			io.WriteString(channel, "\r\n")
			command := strings.TrimSpace(string(line))
			line = line[:0]

			if command != "" {
				s.logEvent(sess, models.EventCommand, map[string]any{
					"command":  command,
					"username": username,
				})
				if isShellExit(command) {
					io.WriteString(channel, "logout\r\n")
					return
				}
				if out := shellRespond(command); out != "" {
					io.WriteString(channel, out+"\r\n")
				}
			}
			io.WriteString(channel, prompt)

		case c == 0x7f || c == 0x08: // backspace
			if len(line) > 0 {
				line = line[:len(line)-1]
				io.WriteString(channel, "\b \b")
			}

		case c == 0x03: // Ctrl+C
			line = line[:0]
			io.WriteString(channel, "^C\r\n")
			io.WriteString(channel, prompt)

		case c == 0x04: // Ctrl+D
			io.WriteString(channel, "logout\r\n")
			return

		case c >= 0x20: // printable, echo back
			line = append(line, c)
			channel.Write(buf)
		}
	}
}
