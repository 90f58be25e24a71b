package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quant-trader/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamed are the topics pushed to websocket clients.
var streamed = []events.Event{
	events.EventTick,
	events.EventOrderAccepted,
	events.EventOrderRejected,
	events.EventOrderFilled,
	events.EventOrderCancelled,
	events.EventPositionChange,
	events.EventStrategyError,
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Warn("api: ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	out, unsub := s.Bus.Watch(256, streamed...)
	defer unsub()

	// A read error means the client went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case msg, ok := <-out:
			if !ok {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.Logger.Debug("api: ws write failed", zap.Error(err))
				return
			}
		}
	}
}
