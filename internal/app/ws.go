package app

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS policy is enforced by the deployment, not here
	},
}

// Application close code sent when the handshake credential is missing or
// invalid, mirroring 401 on the request path.
const closeUnauthorized = 4401

const (
	wsPingInterval = 15 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// wsClient serializes writes to one websocket connection. Broadcast
// fan-out and the keepalive ping loop write concurrently, and gorilla
// connections allow only one writer at a time.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (c *wsClient) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	message := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(wsWriteTimeout))
}

// handlePlanningWS upgrades the connection, authenticates the query-string
// token, and keeps the connection subscribed to the session's room until
// the client goes away. Inbound frames are consumed as keepalive only.
func (s *HTTPServer) handlePlanningWS(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		return
	}
	defer conn.Close()
	client := &wsClient{conn: conn}

	ident, err := s.service.IdentityFromToken(r.URL.Query().Get("token"))
	if err != nil {
		// Refuse before any room admission.
		client.closeWith(closeUnauthorized, "unauthorized")
		return
	}

	s.service.JoinRoom(sessionID, client, ident)
	defer s.service.LeaveRoom(sessionID, client, ident)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := client.ping(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
