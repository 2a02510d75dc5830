package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/fasthttp/router"
	"github.com/nimasrn/chat-relay/internal/model"
	xhttp "github.com/nimasrn/chat-relay/pkg/http"
	"github.com/nimasrn/chat-relay/pkg/logger"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type MessageService interface {
	Submit(ctx context.Context, req model.SendMessageRequest) *model.SubmissionResult
	Retry(ctx context.Context, id string) (*model.SubmissionResult, error)
	GetStatus(ctx context.Context, id string) (*model.Message, error)
	MarkRead(ctx context.Context, req model.MarkReadRequest) (*model.MarkReadResult, error)
	ListConversation(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error)
}

type MessageHandler struct {
	svc MessageService
}

func RegisterMessageRoutes(e *router.Group, h *MessageHandler) {
	e.POST("/messages", h.SendMessage)
	e.POST("/messages/template", h.SendTemplate)
	e.POST("/messages/read", h.MarkRead)
	e.GET("/messages/{id}/status", h.GetStatus)
	e.POST("/messages/{id}/retry", h.RetryMessage)
	e.GET("/conversations/{conversationId}/messages", h.ListConversation)
}

func NewMessageHandler(messageService MessageService) *MessageHandler {
	return &MessageHandler{
		svc: messageService,
	}
}

type sendMessageRequest struct {
	ConversationID string   `json:"conversationId"`
	To             string   `json:"to"`
	From           string   `json:"from"`
	Body           string   `json:"body"`
	MediaURLs      []string `json:"mediaUrls"`
	ContactName    string   `json:"contactName"`
	SenderName     string   `json:"senderName"`
}

type sendTemplateRequest struct {
	ConversationID    string            `json:"conversationId"`
	To                string            `json:"to"`
	From              string            `json:"from"`
	TemplateID        string            `json:"templateId"`
	TemplateVariables map[string]string `json:"templateVariables"`
	ContactName       string            `json:"contactName"`
	SenderName        string            `json:"senderName"`
}

type listResponse struct {
	Items  []*model.Message `json:"items"`
	Total  int64            `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *MessageHandler) SendMessage(ctx *xhttp.RequestCtx) {
	var req sendMessageRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	h.submit(ctx, model.SendMessageRequest{
		ConversationID: req.ConversationID,
		To:             req.To,
		From:           req.From,
		Body:           req.Body,
		MediaURLs:      req.MediaURLs,
		ContactName:    req.ContactName,
		SenderName:     req.SenderName,
	})
}

func (h *MessageHandler) SendTemplate(ctx *xhttp.RequestCtx) {
	var req sendTemplateRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.TemplateID == "" {
		writeError(ctx, xhttp.StatusBadRequest, "validation failed: templateId is required")
		return
	}
	h.submit(ctx, model.SendMessageRequest{
		ConversationID:    req.ConversationID,
		To:                req.To,
		From:              req.From,
		TemplateID:        req.TemplateID,
		TemplateVariables: req.TemplateVariables,
		ContactName:       req.ContactName,
		SenderName:        req.SenderName,
	})
}

func (h *MessageHandler) submit(ctx *xhttp.RequestCtx, req model.SendMessageRequest) {
	req.IdempotencyKey = strings.TrimSpace(string(ctx.Request.Header.Peek(IdempotencyKeyHeader)))
	res := h.svc.Submit(ctx, req)
	writeSubmission(ctx, res)
}

// writeSubmission answers 202 whenever a record exists, including when the
// gateway already refused it; the result carries that outcome.
func writeSubmission(ctx *xhttp.RequestCtx, res *model.SubmissionResult) {
	if res.Accepted {
		writeData(ctx, xhttp.StatusAccepted, res)
		return
	}
	if res.Error == nil {
		writeError(ctx, xhttp.StatusInternalServerError, "internal error")
		return
	}
	switch res.Error.Kind {
	case model.ErrorKindValidation, model.ErrorKindInvalidPhone:
		writeError(ctx, xhttp.StatusBadRequest, res.Error.Message)
	default:
		writeError(ctx, xhttp.StatusInternalServerError, res.Error.Message)
	}
}

func (h *MessageHandler) GetStatus(ctx *xhttp.RequestCtx) {
	msg, err := h.svc.GetStatus(ctx, param(ctx, "id"))
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeData(ctx, xhttp.StatusOK, msg)
}

func (h *MessageHandler) RetryMessage(ctx *xhttp.RequestCtx) {
	res, err := h.svc.Retry(ctx, param(ctx, "id"))
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeSubmission(ctx, res)
}

func (h *MessageHandler) MarkRead(ctx *xhttp.RequestCtx) {
	var req model.MarkReadRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	res, err := h.svc.MarkRead(ctx, req)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeData(ctx, xhttp.StatusOK, res)
}

func (h *MessageHandler) ListConversation(ctx *xhttp.RequestCtx) {
	f := model.MessageFilter{ConversationID: param(ctx, "conversationId")}

	if v := query(ctx, "status"); v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				f.Statuses = append(f.Statuses, model.MessageStatus(p))
			}
		}
	}
	if v := query(ctx, "direction"); v != "" {
		d := model.Direction(v)
		f.Direction = &d
	}
	if v := query(ctx, "from"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.From = &t
		}
	}
	if v := query(ctx, "to"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.To = &t
		}
	}
	if n, ok := queryInt(ctx, "limit"); ok {
		f.Limit = n
	}
	if n, ok := queryInt(ctx, "offset"); ok {
		f.Offset = n
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}
	f = f.Normalize()

	items, total, err := h.svc.ListConversation(ctx, f)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeData(ctx, xhttp.StatusOK, listResponse{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset})
}

func writeServiceError(ctx *xhttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(ctx, xhttp.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrNotRetryable):
		writeError(ctx, xhttp.StatusConflict, err.Error())
	case model.IsValidationError(err):
		writeError(ctx, xhttp.StatusBadRequest, err.Error())
	default:
		logger.Error("request failed", "path", string(ctx.Path()), "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, "internal error")
	}
}
