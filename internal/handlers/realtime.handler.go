package handlers

import (
	"github.com/fasthttp/router"
	"github.com/fasthttp/websocket"
	"github.com/nimasrn/chat-relay/internal/realtime"
	xhttp "github.com/nimasrn/chat-relay/pkg/http"
	"github.com/nimasrn/chat-relay/pkg/logger"
)

type RealtimeHandler struct {
	hub      *realtime.Hub
	upgrader websocket.FastHTTPUpgrader
}

func RegisterRealtimeRoutes(e *router.Router, h *RealtimeHandler) {
	e.GET("/ws", h.Connect)
}

// NewRealtimeHandler serves websocket subscribers. An empty allowedOrigins
// accepts every origin.
func NewRealtimeHandler(hub *realtime.Hub, allowedOrigins []string) *RealtimeHandler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &RealtimeHandler{
		hub: hub,
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(ctx *xhttp.RequestCtx) bool {
				if len(origins) == 0 {
					return true
				}
				_, ok := origins[string(ctx.Request.Header.Peek("Origin"))]
				return ok
			},
		},
	}
}

func (h *RealtimeHandler) Connect(ctx *xhttp.RequestCtx) {
	err := h.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		client := realtime.NewClient(conn)
		h.hub.Register(client)
		defer h.hub.Unregister(client.ID())

		go client.WritePump()
		client.ReadPump(h.hub.IdleTimeout(),
			func(frame []byte) {
				if err := client.Send(h.hub.HandleFrame(client.ID(), frame)); err != nil {
					logger.Debug("failed to answer websocket frame", "conn", client.ID(), "error", err)
				}
			},
			func() { h.hub.Touch(client.ID()) },
		)
	})
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
	}
}
