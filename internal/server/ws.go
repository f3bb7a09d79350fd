package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/logging"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token authentication replaces origin checking; browser clients
	// connect from arbitrary hosts.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket streams newly ingested records to the client in arrival
// order. Browsers cannot set the Authorization header on WebSocket
// handshakes, so the token rides in the query string.
func (s *APIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	subdomain := chi.URLParam(r, "subdomain")
	if _, err := s.Registry.Authenticate(subdomain, r.URL.Query().Get("token")); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Debug("websocket upgrade failed",
			logging.Subdomain(subdomain), zap.Error(err))
		return
	}

	sub := s.Hub.Subscribe(subdomain)
	s.Logger.Info("websocket subscriber attached", logging.Subdomain(subdomain))

	// The reader goroutine exists only to notice the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		s.Hub.Unsubscribe(sub)
		_ = conn.Close()
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-sub.Records():
			if !ok {
				// Session destroyed or subscriber dropped for
				// falling behind.
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(rec); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.Logger.Debug("websocket write failed",
						logging.Subdomain(subdomain), zap.Error(err))
				}
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
