package handlers

import (
	"context"
	"strconv"

	"github.com/fasthttp/router"
	"github.com/nimasrn/chat-relay/internal/model"
	"github.com/nimasrn/chat-relay/internal/services"
	xhttp "github.com/nimasrn/chat-relay/pkg/http"
	"github.com/nimasrn/chat-relay/pkg/logger"
)

// maxInboundMedia bounds the MediaUrlN fields read from one callback.
const maxInboundMedia = 10

type ReconcilerService interface {
	HandleStatus(ctx context.Context, cb services.StatusCallback) (services.ReconcileOutcome, error)
	HandleInbound(ctx context.Context, in services.InboundMessage) (services.ReconcileOutcome, *model.Message, error)
}

type WebhookHandler struct {
	svc ReconcilerService
}

// RegisterWebhookRoutes mounts the gateway callbacks under e, usually
// "/webhook". They are form encoded with the gateway's field names.
func RegisterWebhookRoutes(e *router.Group, h *WebhookHandler) {
	e.POST("/incoming", h.Incoming)
	e.POST("/status", h.Status)
}

func NewWebhookHandler(svc ReconcilerService) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

type webhookAck struct {
	MessageID string                    `json:"messageId"`
	Outcome   services.ReconcileOutcome `json:"outcome"`
}

func (h *WebhookHandler) Incoming(ctx *xhttp.RequestCtx) {
	in := services.InboundMessage{
		MessageID:   form(ctx, "MessageSid"),
		From:        form(ctx, "From"),
		To:          form(ctx, "To"),
		Body:        form(ctx, "Body"),
		ProfileName: form(ctx, "ProfileName"),
	}
	if in.MessageID == "" {
		writeError(ctx, xhttp.StatusBadRequest, "MessageSid is required")
		return
	}
	if n, err := strconv.Atoi(form(ctx, "NumMedia")); err == nil {
		for i := 0; i < n && i < maxInboundMedia; i++ {
			if u := form(ctx, "MediaUrl"+strconv.Itoa(i)); u != "" {
				in.MediaURLs = append(in.MediaURLs, u)
			}
		}
	}

	outcome, _, err := h.svc.HandleInbound(ctx, in)
	if err != nil {
		logger.Error("inbound webhook failed", "sid", in.MessageID, "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, "internal error")
		return
	}
	writeData(ctx, xhttp.StatusOK, webhookAck{MessageID: in.MessageID, Outcome: outcome})
}

func (h *WebhookHandler) Status(ctx *xhttp.RequestCtx) {
	cb := services.StatusCallback{
		MessageID:    form(ctx, "MessageSid"),
		Status:       form(ctx, "MessageStatus"),
		ErrorCode:    form(ctx, "ErrorCode"),
		ErrorMessage: form(ctx, "ErrorMessage"),
		Ref:          string(ctx.QueryArgs().Peek(services.CallbackRefParam)),
	}
	if cb.MessageID == "" || cb.Status == "" {
		writeError(ctx, xhttp.StatusBadRequest, "MessageSid and MessageStatus are required")
		return
	}

	outcome, err := h.svc.HandleStatus(ctx, cb)
	if err != nil {
		logger.Error("status webhook failed", "sid", cb.MessageID, "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, "internal error")
		return
	}
	writeData(ctx, xhttp.StatusOK, webhookAck{MessageID: cb.MessageID, Outcome: outcome})
}
