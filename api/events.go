package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth is the bearer token, not the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// events upgrades to a websocket and streams turn envelopes as JSON text
// frames. The conversation comes from the path, or from ?conversation=;
// neither means every conversation.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conv := chi.URLParam(r, "conv")
	if conv == "" {
		conv = r.URL.Query().Get("conversation")
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.svc.Subscribe(conv)
	defer unsubscribe()

	// The reader only handles control frames and notices the client going
	// away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	s.logger.Debug("event stream opened", "conversation", conv)
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
