package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/crossledger/settlement/internal/auth"
	"github.com/crossledger/settlement/internal/config"
	"github.com/crossledger/settlement/internal/events"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// EventStream fans settlement events out to connected operator consoles.
type EventStream struct {
	cfg        *config.Config
	subscriber events.Subscriber
	log        *zap.Logger

	mu    sync.RWMutex
	conns map[*websocket.Conn]string // conn -> operator
}

func NewEventStream(cfg *config.Config, subscriber events.Subscriber, log *zap.Logger) *EventStream {
	return &EventStream{
		cfg:        cfg,
		subscriber: subscriber,
		log:        log,
		conns:      make(map[*websocket.Conn]string),
	}
}

// Start subscribes to the settlement channel. It returns once the subscription is
// confirmed; delivery continues until ctx is cancelled.
func (h *EventStream) Start(ctx context.Context) error {
	return h.subscriber.Subscribe(ctx, events.Channel, h.broadcast)
}

func (h *EventStream) broadcast(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.conns {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

func (h *EventStream) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// HandleWS authenticates with ?token= since browsers cannot set headers on upgrade.
func (h *EventStream) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil || !h.cfg.IsOperator(claims.Subject) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}

	h.mu.Lock()
	h.conns[conn] = claims.Subject
	h.mu.Unlock()
	h.log.Info("operator event stream connected", zap.String("operator", claims.Subject))

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// Read loop (keep alive / pings)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
