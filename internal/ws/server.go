// Package ws streams worker pool events to websocket clients.
package ws

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/zerverless/jobqueue/internal/events"
)

const (
	writeTimeout      = 5 * time.Second
	heartbeatInterval = 30 * time.Second
)

type Server struct {
	broker    *events.Broker
	logger    *zap.SugaredLogger
	heartbeat time.Duration
}

func NewServer(broker *events.Broker, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{broker: broker, logger: logger.Named("ws"), heartbeat: heartbeatInterval}
}

// HandleEvents upgrades the request and writes every published event as an
// EventMessage until the client goes away. Client messages are ignored.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warnw("WebSocket accept error", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "goodbye")

	sub := s.broker.Subscribe(r.UserAgent())
	defer s.broker.Unsubscribe(sub.ID)

	// CloseRead cancels ctx once the client closes or sends anything.
	ctx := conn.CloseRead(r.Context())

	ack := AckMessage{Type: "ack", SubscriberID: sub.ID, Message: "Welcome!"}
	if err := write(ctx, conn, ack); err != nil {
		s.logger.Debugw("Failed to send ack", "subscriber_id", sub.ID, "error", err)
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := write(ctx, conn, EventMessage{Type: "event", Event: e}); err != nil {
				s.logger.Debugw("Subscriber write failed", "subscriber_id", sub.ID, "error", err)
				return
			}
		case <-ticker.C:
			hb := HeartbeatMessage{Type: "heartbeat", Timestamp: time.Now().UTC()}
			if err := write(ctx, conn, hb); err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
