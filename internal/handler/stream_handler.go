package handler

import (
	"net/http"
	"time"

	"github.com/darsavelidze/safe-school/internal/hub"
	"github.com/darsavelidze/safe-school/internal/middleware"
	"github.com/darsavelidze/safe-school/pkg/logger"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxInboundSize = 512
)

// StreamHandler upgrades to a websocket and relays the school's events
// until the client goes away
type StreamHandler struct {
	hub          *hub.Hub
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

func NewStreamHandler(h *hub.Hub, pingInterval time.Duration) *StreamHandler {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &StreamHandler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// dashboards are served from other origins; the bearer token is the gate
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pingInterval: pingInterval,
	}
}

func (h *StreamHandler) Serve(c echo.Context) error {
	log := logger.FromContext(c)
	schoolID := middleware.TenantID(c)

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already answered the request
		log.Warn("Websocket upgrade failed", zap.Error(err))
		return nil
	}
	defer conn.Close()

	sub := h.hub.Subscribe(schoolID)
	defer h.hub.Unsubscribe(sub)

	log.Info("Live subscriber connected",
		zap.String("school_id", schoolID),
		zap.String("subscription_id", sub.ID))

	pongWait := 2 * h.pingInterval
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadLimit(maxInboundSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			// inbound messages carry nothing; reading detects the disconnect
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("Websocket write failed", zap.Error(err))
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		case <-readDone:
			log.Info("Live subscriber disconnected",
				zap.String("school_id", schoolID),
				zap.String("subscription_id", sub.ID),
				zap.Uint64("dropped", sub.Dropped()))
			return nil
		}
	}
}
