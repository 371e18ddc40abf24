// Package services implements the protocol emulators. Each service binds a
// TCP listener, speaks just enough of its protocol to keep an attacker
// engaged, and records sessions, auth attempts, commands, and payloads
// through the shared capture pipeline.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/detect"
	"github.com/mantis-sec/mantis/internal/geo"
	"github.com/mantis-sec/mantis/internal/models"
	"github.com/mantis-sec/mantis/internal/storage"
)

// Deps are the shared collaborators every emulator records through.
type Deps struct {
	Store  storage.Store
	Detect *detect.Engine
	Geo    *geo.Locator
	Log    *slog.Logger
}

// Service is one running protocol emulator.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// New constructs the named emulator. Unknown names return an error.
func New(name string, cfg *config.ServiceConfig, deps Deps) (Service, error) {
	switch name {
	case models.ServiceSSH:
		return NewSSH(cfg, deps), nil
	case models.ServiceHTTP:
		return NewHTTP(cfg, deps), nil
	case models.ServiceFTP:
		return NewFTP(cfg, deps), nil
	case models.ServiceSMB:
		return NewSMB(cfg, deps), nil
	case models.ServiceMySQL:
		return NewMySQL(cfg, deps), nil
	case models.ServiceTelnet:
		return NewTelnet(cfg, deps), nil
	case models.ServiceSMTP:
		return NewSMTP(cfg, deps), nil
	case models.ServiceMongoDB:
		return NewMongoDB(cfg, deps), nil
	case models.ServiceVNC:
		return NewVNC(cfg, deps), nil
	case models.ServiceRedis:
		return NewRedis(cfg, deps), nil
	case models.ServiceADB:
		return NewADB(cfg, deps), nil
	}
	return nil, fmt.Errorf("services: unknown service %q", name)
}

// base carries the listener plumbing and capture helpers shared by all
// emulators.
type base struct {
	name string
	cfg  *config.ServiceConfig
	deps Deps
	log  *slog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
	conns     sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

func newBase(name string, cfg *config.ServiceConfig, deps Deps) base {
	logger := deps.Log
	if logger == nil {
		logger = slog.Default()
	}
	return base{
		name: name,
		cfg:  cfg,
		deps: deps,
		log:  logger.With("service", name),
	}
}

func (b *base) Name() string { return b.name }

// serve binds port and runs handler on every accepted connection, each in
// its own goroutine with panic isolation.
func (b *base) serve(ctx context.Context, port int, handler func(net.Conn)) error {
	if b.ctx == nil {
		b.ctx, b.cancel = context.WithCancel(ctx)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("services: %s: listen :%d: %w", b.name, port, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("services: %s: already stopped", b.name)
	}
	b.listeners = append(b.listeners, ln)
	b.mu.Unlock()

	b.log.Info("listening", "port", port)

	b.conns.Add(1)
	go func() {
		defer b.conns.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				select {
				case <-b.ctx.Done():
					return
				default:
				}
				b.log.Debug("accept failed", "error", err)
				continue
			}
			b.conns.Add(1)
			go func() {
				defer b.conns.Done()
				defer func() {
					if r := recover(); r != nil {
						b.log.Error("connection handler panicked", "panic", r)
					}
					_ = conn.Close()
				}()
				handler(conn)
			}()
		}
	}()
	return nil
}

// Stop closes all listeners and waits for in-flight connections.
func (b *base) Stop() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	listeners := b.listeners
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	for _, ln := range listeners {
		_ = ln.Close()
	}
	b.conns.Wait()
	b.log.Info("stopped")
	return nil
}

// createSession records a new session with its connection event and kicks
// off the geolocation lookup in the background.
func (b *base) createSession(conn net.Conn, dstPort int) *models.Session {
	srcIP, srcPort := splitAddr(conn.RemoteAddr())
	s := &models.Session{
		ID:        uuid.NewString(),
		Service:   b.name,
		SrcIP:     srcIP,
		SrcPort:   srcPort,
		DstPort:   dstPort,
		StartedAt: models.Now(),
	}
	return b.openSession(s)
}

// openSession persists a pre-built session. HTTP builds its own since
// requests arrive without a raw net.Conn.
func (b *base) openSession(s *models.Session) *models.Session {
	if err := b.deps.Store.SaveSession(b.baseCtx(), s); err != nil {
		b.log.Warn("session save failed", "error", err)
	}
	b.log.Info("new session", "session", s.ID[:8], "src_ip", s.SrcIP, "src_port", s.SrcPort)

	b.logEvent(s, models.EventConnection, map[string]any{
		"message": fmt.Sprintf("New %s connection", strings.ToUpper(b.name)),
	})

	if b.deps.Geo != nil {
		b.conns.Add(1)
		go func() {
			defer b.conns.Done()
			b.deps.Geo.Lookup(b.baseCtx(), s.SrcIP)
		}()
	}
	return s
}

// endSession stamps the session closed and records the disconnect event.
func (b *base) endSession(s *models.Session) {
	ended := models.Now()
	s.EndedAt = &ended
	if err := b.deps.Store.SaveSession(b.baseCtx(), s); err != nil {
		b.log.Warn("session close failed", "error", err)
	}
	b.logEvent(s, models.EventDisconnect, map[string]any{
		"message": fmt.Sprintf("%s session ended", strings.ToUpper(b.name)),
	})
}

// logEvent persists one event and feeds it to the detection engine.
func (b *base) logEvent(s *models.Session, kind models.EventType, data map[string]any) *models.Event {
	e := &models.Event{
		SessionID: s.ID,
		EventType: kind,
		Service:   b.name,
		SrcIP:     s.SrcIP,
		Timestamp: models.Now(),
		Data:      data,
	}
	saved, err := b.deps.Store.SaveEvent(b.baseCtx(), e)
	if err != nil {
		b.log.Warn("event save failed", "type", kind, "error", err)
		return e
	}
	if b.deps.Detect != nil {
		b.deps.Detect.ProcessEvent(b.baseCtx(), saved)
	}
	return saved
}

// addr returns the first bound listener address, empty before Start.
func (b *base) addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.listeners) == 0 {
		return ""
	}
	return b.listeners[0].Addr().String()
}

func (b *base) baseCtx() context.Context {
	if b.ctx != nil {
		return b.ctx
	}
	return context.Background()
}

func splitAddr(addr net.Addr) (string, int) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// readDeadline arms a per-read timeout; a zero duration clears it.
func readDeadline(conn net.Conn, d time.Duration) {
	if d <= 0 {
		_ = conn.SetReadDeadline(time.Time{})
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(d))
}
