package gateway

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/harun/bamboo/internal/tracing"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// handleEvents handles GET /events/:session_id as a server-sent event stream.
// The stream ends after the run's terminal event.
func (s *Server) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := s.cfg.Runner.Subscribe(ctx, c.Param("session_id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			_, err := io.WriteString(w, ": keepalive\n\n")
			return err == nil
		case ev, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return !ev.Type.Terminal()
		}
	})
}

// handleWebSocket handles GET /ws/:session_id, sending each event as a JSON
// text message and closing after the terminal event.
func (s *Server) handleWebSocket(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("session_id")
	sub, err := s.cfg.Runner.Subscribe(ctx, sessionID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	defer conn.Close()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Str("client", c.ClientIP()).Msg("Websocket subscriber connected")

	// The read side only handles control frames and notices the client leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Warn().Err(err).Msg("Failed to write event to websocket")
				return
			}
			if ev.Type.Terminal() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.Type)),
					time.Now().Add(wsWriteWait))
				return
			}
		}
	}
}
