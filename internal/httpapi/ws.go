package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/chatbridge/internal/message"
	"github.com/antoniostano/chatbridge/internal/protocol"
	"github.com/antoniostano/chatbridge/internal/session"
)

const (
	wsWriteTimeout      = 10 * time.Second
	wsReadTimeout       = 120 * time.Second
	defaultPingInterval = 30 * time.Second
)

// wsConn adapts a gorilla websocket to the connection registry. Writes are
// serialized with a mutex because the registry and the read pump may both
// push frames at the same time.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) Send(m message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.ws.WriteJSON(m)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (s *Server) handleVisitorWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	visitor := visitorInfoFromRequest(r)

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{ws: raw}

	gen, err := s.bridge.HandleVisitorConnect(r.Context(), sessionID, visitor, conn)
	if err != nil {
		if errors.Is(err, session.ErrStoreFull) {
			_ = conn.Send(message.Error(sessionID, "Server is at capacity, please try again later."))
		} else {
			_ = conn.Send(message.Error(sessionID, "Could not start session."))
		}
		_ = raw.Close()
		return
	}

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	raw.SetReadLimit(s.cfg.WSReadLimit)
	_ = raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
	raw.SetPongHandler(func(string) error {
		_ = raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	// Keepalive: pings keep an idle visitor connected while they wait for
	// an admin reply; the pong handler above extends the read deadline.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(raw, pingDone)

	for {
		msgType, data, err := raw.ReadMessage()
		if err != nil {
			break
		}
		_ = raw.SetReadDeadline(time.Now().Add(wsReadTimeout))

		// A newer socket for the same session id may have superseded this
		// one; its frames no longer belong to the session.
		if !s.conns.IsCurrent(sessionID, gen) {
			break
		}

		switch msgType {
		case websocket.TextMessage:
			s.dispatchText(r, conn, sessionID, data)
		case websocket.BinaryMessage:
			s.metrics.WSMessages.WithLabelValues("inbound", "binary").Inc()
			_ = s.bridge.HandleVisitorBinary(r.Context(), sessionID, data)
		}
	}

	// Only tear the session down if this socket is still its live handle.
	if s.conns.IsCurrent(sessionID, gen) {
		s.bridge.HandleVisitorDisconnect(sessionID)
	}
	_ = raw.Close()
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// pingLoop sends control pings until done closes or a write fails.
// WriteControl is safe to call concurrently with the registry's data
// writes, so the wsConn mutex is not needed here.
func (s *Server) pingLoop(raw *websocket.Conn, done <-chan struct{}) {
	interval := s.cfg.WSPingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := raw.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchText(r *http.Request, conn *wsConn, sessionID string, data []byte) {
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		s.metrics.WSMessages.WithLabelValues("inbound", "invalid").Inc()
		_ = conn.Send(message.Error(sessionID, "Invalid message format."))
		return
	}

	switch m := parsed.(type) {
	case protocol.VisitorMessage:
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeVisitorMessage)).Inc()
		_ = s.bridge.HandleVisitorMessage(r.Context(), sessionID, m.Content, m.Metadata)
	case protocol.TypingIndicator:
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeTyping)).Inc()
		_ = s.sessions.Touch(sessionID)
		s.conns.Touch(sessionID)
	case protocol.Ping:
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypePing)).Inc()
		s.conns.Touch(sessionID)
		_ = conn.Send(message.System(sessionID, "pong"))
	}
}
