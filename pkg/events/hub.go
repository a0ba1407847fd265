package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsWriteTimeout bounds a single WebSocket write; a client slower than
	// this is disconnected rather than allowed to stall the pump.
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// Hub bridges the bus to WebSocket clients. Each connection gets its own bus
// subscription, so a slow dashboard drops events instead of stalling writers.
type Hub struct {
	bus      *Bus
	upgrader websocket.Upgrader
}

// NewHub creates a WebSocket hub over the bus. checkOrigin may be nil to
// accept all origins.
func NewHub(bus *Bus, checkOrigin func(r *http.Request) bool) *Hub {
	return &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeProject upgrades the request and streams every event for projectID
// until the client disconnects.
func (h *Hub) ServeProject(w http.ResponseWriter, r *http.Request, projectID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "project_id", projectID, "error", err)
		return
	}
	defer conn.Close()

	ch, cancel := h.bus.Subscribe()
	defer cancel()

	// Reader goroutine: we ignore client messages but must consume them to
	// notice disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.ProjectID != projectID {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Warn("WebSocket send failed, dropping client",
					"project_id", projectID, "error", err)
				return
			}
		}
	}
}
