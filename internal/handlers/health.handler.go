package handlers

import (
	"context"

	"github.com/fasthttp/router"
	xhttp "github.com/nimasrn/chat-relay/pkg/http"
)

type HealthService interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db    HealthService
	cache HealthService
}

func RegisterHealthRoutes(e *router.Group, h *HealthHandler) {
	e.GET("/health", h.GetHealth)
}

// NewHealthHandler checks db on every request. cache may be nil when redis
// is not configured.
func NewHealthHandler(db, cache HealthService) *HealthHandler {
	return &HealthHandler{
		db:    db,
		cache: cache,
	}
}

type healthPayload struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis,omitempty"`
}

func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	p := healthPayload{Status: "ok", Database: "ok"}
	var failed string
	if err := h.db.Ping(ctx); err != nil {
		p.Database = "unreachable"
		failed = "database unreachable"
	}
	if h.cache != nil {
		p.Redis = "ok"
		if err := h.cache.Ping(ctx); err != nil {
			p.Redis = "unreachable"
			if failed == "" {
				failed = "redis unreachable"
			}
		}
	}

	if failed != "" {
		p.Status = "degraded"
		writeJSON(ctx, xhttp.StatusServiceUnavailable, envelope{
			Data:      p,
			Error:     &errorBody{Code: xhttp.StatusServiceUnavailable, Message: failed},
			Timestamp: timestamp(),
		})
		return
	}
	writeData(ctx, xhttp.StatusOK, p)
}
