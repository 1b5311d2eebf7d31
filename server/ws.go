package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket keepalive timing; pings must be more frequent than the pong wait
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second
)

// newUpgrader creates a WebSocket upgrader with origin checking from config
func (s *SiftServer) newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin validates the WebSocket origin against configured allowed
// origins. Prefix matching allows any port number.
func (s *SiftServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// Allow requests with no origin header (direct WebSocket clients, testing)
	if origin == "" {
		return true
	}

	if len(s.cfg.AllowedOrigins) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}

	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// HandleJobsWS streams job status transitions to the client as they happen.
// Each connected client gets its own queue subscription; slow clients drop
// updates rather than blocking the queue.
func (s *SiftServer) HandleJobsWS(w http.ResponseWriter, r *http.Request) {
	upgrader := s.newUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	updates := s.queue.Subscribe()
	s.logger.Infow("Job stream client connected", "remote", r.RemoteAddr)

	s.wg.Add(2)

	// Read pump: we expect no client messages, but reading drives the pong
	// handler and detects disconnects
	go func() {
		defer s.wg.Done()
		defer func() {
			s.queue.Unsubscribe(updates)
			close(updates)
			conn.Close()
		}()

		conn.SetReadLimit(1024)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure,
					websocket.CloseNoStatusReceived,
				) {
					s.logger.Warnw("Job stream read error", "error", err, "remote", r.RemoteAddr)
				}
				return
			}
		}
	}()

	// Write pump: job updates and keepalive pings
	go func() {
		defer s.wg.Done()
		defer conn.Close()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return

			case job, ok := <-updates:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(map[string]interface{}{
					"type": "job_update",
					"job":  job,
				}); err != nil {
					s.logger.Debugw("Job stream write error", "error", err, "remote", r.RemoteAddr)
					return
				}

			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}
