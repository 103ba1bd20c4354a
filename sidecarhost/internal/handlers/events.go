package handlers

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkLocalOrigin,
}

// checkLocalOrigin accepts non-browser clients and pages served from the local machine.
func checkLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "tauri.localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// HandleEvents handles GET /events. Every supervisor notification is written to
// the socket as a JSON text message. Notifications are not replayed: a client
// only sees what is emitted while it is connected.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade error", "error", err)
		return
	}
	defer conn.Close()

	notifications, cancel := h.hub.Subscribe()
	defer cancel()

	h.logger.Info("Notification client connected", "remoteAddr", r.RemoteAddr, "subscribers", h.hub.SubscriberCount())

	// The read loop only handles control frames and notices when the client goes away.
	closed := make(chan struct{})
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Warn("WebSocket error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "supervisor shutting down"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(n); err != nil {
				h.logger.Debug("Failed to write notification", "kind", n.Kind, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			h.logger.Info("Notification client disconnected", "remoteAddr", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}
