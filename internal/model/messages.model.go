package model

import (
	"strings"
	"time"
)

// InterimIDPrefix marks a gateway message id generated locally before the
// gateway has assigned its own.
const InterimIDPrefix = "local_"

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is one chat message, outbound or inbound, with its delivery lifecycle.
// From and To hold canonical E.164 numbers without the channel marker.
type Message struct {
	ID                string            `json:"id"`
	GatewayMessageID  string            `json:"gatewayMessageId"`
	ConversationID    string            `json:"conversationId"`
	Direction         Direction         `json:"direction"`
	Body              string            `json:"body,omitempty"`
	TemplateID        string            `json:"templateId,omitempty"`
	TemplateVariables map[string]string `json:"templateVariables,omitempty"`
	MediaURLs         []string          `json:"mediaUrls,omitempty"`
	From              string            `json:"from"`
	To                string            `json:"to"`
	ContactName       string            `json:"contactName,omitempty"`
	SenderName        string            `json:"senderName,omitempty"`
	Status            MessageStatus     `json:"status"`
	ErrorCode         string            `json:"errorCode,omitempty"`
	ErrorMessage      string            `json:"errorMessage,omitempty"`
	IsRead            bool              `json:"isRead"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	SentAt            *time.Time        `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time        `json:"deliveredAt,omitempty"`
	ReadAt            *time.Time        `json:"readAt,omitempty"`
	FailedAt          *time.Time        `json:"failedAt,omitempty"`
}

// HasInterimID reports whether the gateway has not yet assigned an id.
func (m *Message) HasInterimID() bool {
	return strings.HasPrefix(m.GatewayMessageID, InterimIDPrefix)
}

// Counterparty is the remote party of the conversation.
func (m *Message) Counterparty() string {
	if m.Direction == DirectionInbound {
		return m.From
	}
	return m.To
}

// MessageFilter controls conversation listing.
type MessageFilter struct {
	ConversationID string
	Direction      *Direction
	Statuses       []MessageStatus
	From           *time.Time
	To             *time.Time
	Limit          int  // default 50
	Offset         int  // for pagination
	Desc           bool // order by created_at
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// Normalize clamps the page window to what List actually serves.
func (f MessageFilter) Normalize() MessageFilter {
	if f.Limit <= 0 || f.Limit > MaxListLimit {
		f.Limit = DefaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// MarkReadRequest selects inbound messages either by id or by conversation.
type MarkReadRequest struct {
	IDs            []string `json:"ids"`
	ConversationID string   `json:"conversationId"`
}

// MarkReadResult lists the conversations whose unread counts changed.
type MarkReadResult struct {
	Updated       int64    `json:"updated"`
	Conversations []string `json:"conversations"`
}
