package ws

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blacknet-honeypot/blacknet/internal/feed"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// frame is the JSON envelope written for every feed event.
type frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// rawJSON passes already-encoded event data through WriteJSON untouched.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) { return r, nil }

// Manager streams the live feed to WebSocket clients.
type Manager struct {
	hub    *feed.Hub
	logger *slog.Logger

	mu    sync.Mutex
	count int
}

// NewManager creates a new WebSocket manager.
func NewManager(hub *feed.Hub, logger *slog.Logger) *Manager {
	return &Manager{hub: hub, logger: logger}
}

// Count returns the number of connected clients.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// HandleWS upgrades an HTTP connection to WebSocket, replays the recent
// events and then forwards live ones until the client goes away.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	m.mu.Lock()
	m.count++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.count--
		m.mu.Unlock()
	}()

	ch, cancel := m.hub.Subscribe()
	defer cancel()

	// Clients never send anything we act on; reading detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, event := range m.hub.Recent() {
		if err := m.send(conn, event); err != nil {
			return
		}
	}

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := m.send(conn, event); err != nil {
				m.logger.Debug("websocket write failed", "err", err)
				return
			}
		}
	}
}

func (m *Manager) send(conn *websocket.Conn, event feed.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame{Type: event.Type, Data: rawJSON(event.Data)})
}
