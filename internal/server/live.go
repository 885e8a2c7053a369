package server

import (
	"net/http"
	"time"

	"github.com/berfenger/blackstartd/internal/core/domain"

	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	livePingInterval = 30 * time.Second
	liveWriteTimeout = 5 * time.Second
	liveBuffer       = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type liveMessage struct {
	Type   string               `json:"type"`
	Status *domain.IslandStatus `json:"status,omitempty"`
	Alert  *domain.Alert        `json:"alert,omitempty"`
}

func WithEventStream(stream *eventstream.EventStream) Option {
	return func(s *Server) { s.stream = stream }
}

// LiveHandler streams status broadcasts and alerts of one site over a websocket.
// The current status is sent first.
func (s *Server) LiveHandler(c echo.Context) error {
	siteId := c.Param("id")

	ctx, cancel := s.requestContext(c)
	status, err := s.control.GetIslandStatus(ctx, siteId)
	cancel()
	if err != nil {
		return s.httpError(err)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Debug("http: websocket upgrade", zap.Error(err))
		return nil
	}
	defer conn.Close()

	out := make(chan liveMessage, liveBuffer)
	sub := s.stream.SubscribeWithPredicate(func(evt any) {
		var msg liveMessage
		switch e := evt.(type) {
		case domain.StatusBroadcastEvent:
			st := e.Status
			msg = liveMessage{Type: "status", Status: &st}
		case domain.AlertRaisedEvent:
			a := e.Alert
			msg = liveMessage{Type: "alert", Alert: &a}
		}
		// slow clients lose messages
		select {
		case out <- msg:
		default:
		}
	}, func(evt any) bool {
		switch e := evt.(type) {
		case domain.StatusBroadcastEvent:
			return e.Status.SiteId == siteId
		case domain.AlertRaisedEvent:
			return e.Alert.SiteId == siteId
		}
		return false
	})
	defer s.stream.Unsubscribe(sub)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
	if err := conn.WriteJSON(liveMessage{Type: "status", Status: status}); err != nil {
		return nil
	}

	ping := time.NewTicker(livePingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return nil
		case msg := <-out:
			conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteTimeout)); err != nil {
				return nil
			}
		}
	}
}
