package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-engine/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEnvelope tags each bus payload with its topic.
type streamEnvelope struct {
	Topic events.Event `json:"topic"`
	Data  any          `json:"data"`
}

// websocket streams position and kill-switch events to a dashboard.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	topics := []events.Event{events.EventPositionOpened, events.EventPositionClosed, events.EventKillSwitch}
	merged := make(chan streamEnvelope, 64)
	done := make(chan struct{})
	defer close(done)
	for _, topic := range topics {
		ch, unsub := s.Bus.Subscribe(topic, 16)
		defer unsub()
		go func(topic events.Event, ch <-chan any) {
			for msg := range ch {
				select {
				case merged <- streamEnvelope{Topic: topic, Data: msg}:
				case <-done:
					return
				}
			}
		}(topic, ch)
	}

	// Reader detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case env := <-merged:
			if err := conn.WriteJSON(env); err != nil {
				s.log.Debug("ws write", zap.Error(err))
				return
			}
		}
	}
}
