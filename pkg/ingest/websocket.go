package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nicktill/sitegrid/pkg/config"
	"github.com/nicktill/sitegrid/pkg/httpx"
	"github.com/nicktill/sitegrid/pkg/logging"
	"github.com/nicktill/sitegrid/pkg/metrics"
	"github.com/nicktill/sitegrid/pkg/sitemodel"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header means a non-browser client
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// ChangeEvent is the message sent to websocket clients for every site
// model change.
type ChangeEvent struct {
	Type   string           `json:"type"`
	Change sitemodel.Change `json:"change"`
}

type message struct {
	project uuid.UUID
	data    []byte
}

// subscription is one connected client. A nil project receives every
// project's changes.
type subscription struct {
	conn    *websocket.Conn
	project uuid.UUID
}

// ChangeHub streams site model changes to websocket clients.
type ChangeHub struct {
	clients    map[*websocket.Conn]uuid.UUID
	register   chan subscription
	unregister chan *websocket.Conn
	broadcast  chan message

	logger *slog.Logger
	mu     sync.RWMutex
}

// NewChangeHub creates a hub. Call Run to start delivering messages.
func NewChangeHub(logger *slog.Logger) *ChangeHub {
	return &ChangeHub{
		clients:    make(map[*websocket.Conn]uuid.UUID),
		register:   make(chan subscription, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan message, config.WSBroadcastBuffer),
		logger:     logging.OrDefault(logger),
	}
}

// Run starts the hub's main loop
func (h *ChangeHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]uuid.UUID)
			h.mu.Unlock()
			metrics.SetHubClients(0)
			return
		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.project
			count := len(h.clients)
			h.mu.Unlock()
			metrics.SetHubClients(count)
			h.logger.Debug("websocket client connected", "clients", count)
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			metrics.SetHubClients(count)
			h.logger.Debug("websocket client disconnected", "clients", count)
		case msg := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn, project := range h.clients {
				if project != uuid.Nil && project != msg.project {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					h.logger.Debug("websocket write failed", "error", err)
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			if len(failed) > 0 {
				h.mu.Lock()
				for _, conn := range failed {
					delete(h.clients, conn)
					conn.Close()
				}
				count := len(h.clients)
				h.mu.Unlock()
				metrics.SetHubClients(count)
			}
		}
	}
}

// Publish queues c for delivery. It never blocks; when the queue is full
// the change is dropped. Suitable as a Registry subscriber.
func (h *ChangeHub) Publish(c sitemodel.Change) {
	data, err := json.Marshal(ChangeEvent{Type: string(c.Kind), Change: c})
	if err != nil {
		h.logger.Warn("failed to encode change event", "error", err)
		return
	}
	select {
	case h.broadcast <- message{project: c.Project, data: data}:
	default:
		h.logger.Warn("change broadcast queue full, dropping event", "project", c.Project.String())
	}
}

// Clients returns the number of connected clients.
func (h *ChangeHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams changes until the client goes
// away. An optional ?project= narrows the stream to one project.
func (h *ChangeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var project uuid.UUID
	if p := r.URL.Query().Get("project"); p != "" {
		id, err := uuid.Parse(p)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		project = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.register <- subscription{conn: conn, project: project}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		h.unregister <- conn
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	// Only control frames are expected from clients.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket closed", "error", err)
			}
			return
		}
	}
}
