// Package realtime streams a user's inbox updates over a websocket.
package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jwalitptl/notify/internal/handler"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/messaging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	readLimit  = 512
)

type Config struct {
	// AllowedOrigins lists accepted Origin headers; empty accepts any.
	AllowedOrigins []string
}

type Handler struct {
	broker   messaging.Broker
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

func NewHandler(broker messaging.Broker, cfg Config, log *logger.Logger) *Handler {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	return &Handler{
		broker: broker,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ws", h.Stream)
}

// Stream upgrades the connection and forwards every message published on the
// user's channel until either side goes away.
func (h *Handler) Stream(c *gin.Context) {
	userID := handler.UserID(c)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	updates, err := h.broker.Subscribe(ctx, messaging.UserChannel(userID))
	if err != nil {
		handler.RespondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err.Error())
		return
	}
	defer conn.Close()
	h.logger.Debug("websocket connected", "user_id", userID)

	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, updates)
	h.logger.Debug("websocket disconnected", "user_id", userID)
}

// readPump discards client frames and keeps the read deadline fresh on pong.
func (h *Handler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, updates <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
