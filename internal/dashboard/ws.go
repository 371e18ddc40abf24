package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mantis-sec/mantis/internal/models"
	"github.com/mantis-sec/mantis/internal/storage"
)

const clientSendBuffer = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is operator-facing and token-guarded; the browser
	// origin is not a trust boundary here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsMessage is one frame pushed to dashboard clients.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// client is one connected WebSocket with a buffered send channel. Slow
// clients get dropped rather than stalling the broadcaster.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// hub tracks WebSocket clients and fans store feed items out to them.
type hub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	events *storage.Queue[models.Event]
	alerts *storage.Queue[models.Alert]
	cancel context.CancelFunc
	done   chan struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		log:     logger.With("component", "ws"),
		clients: make(map[*client]struct{}),
	}
}

// start subscribes to the store feeds and runs the broadcaster.
func (h *hub) start(ctx context.Context, store storage.Store) {
	h.events = store.SubscribeEvents()
	h.alerts = store.SubscribeAlerts()
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.run(ctx)
}

func (h *hub) stop(store storage.Store) {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	store.UnsubscribeEvents(h.events)
	store.UnsubscribeAlerts(h.alerts)

	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// run drains the event and alert queues into broadcast frames.
func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-h.events.C():
			h.broadcast(wsMessage{Type: "event", Data: e})
		case a := <-h.alerts.C():
			h.broadcast(wsMessage{Type: "alert", Data: a})
		}
	}
}

// broadcast sends msg to every live client, dropping clients whose send
// buffer is full.
func (h *hub) broadcast(msg wsMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("broadcast marshal failed", "type", msg.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- raw:
		default:
			h.log.Debug("dropping slow websocket client")
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// handleWS upgrades the connection and pumps broadcast frames to it. Client
// frames are read and discarded (the feed is push-only).
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	s.hub.add(c)
	s.log.Debug("websocket client connected", "remote", r.RemoteAddr)

	go func() {
		defer conn.Close()
		for raw := range c.send {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.hub.remove(c)
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.remove(c)
	conn.Close()
}
