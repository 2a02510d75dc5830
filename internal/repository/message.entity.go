package repository

import (
	"time"

	"github.com/nimasrn/chat-relay/internal/model"
)

type MessageEntity struct {
	ID                string            `gorm:"primaryKey;column:id;type:varchar(36)"`
	GatewayMessageID  string            `gorm:"column:gateway_message_id;type:varchar(64);not null;uniqueIndex"`
	ConversationID    string            `gorm:"column:conversation_id;type:varchar(128);not null;index:idx_messages_conversation_created,priority:1"`
	Direction         string            `gorm:"column:direction;type:varchar(16);not null"`
	Body              string            `gorm:"column:body;type:text"`
	TemplateID        string            `gorm:"column:template_id;type:varchar(128)"`
	TemplateVariables map[string]string `gorm:"column:template_variables;type:text;serializer:json"`
	MediaURLs         []string          `gorm:"column:media_urls;type:text;serializer:json"`
	FromNumber        string            `gorm:"column:from_number;type:varchar(32);not null"`
	ToNumber          string            `gorm:"column:to_number;type:varchar(32);not null"`
	ContactName       string            `gorm:"column:contact_name"`
	SenderName        string            `gorm:"column:sender_name"`
	Status            string            `gorm:"column:status;type:varchar(16);not null"`
	StatusRank        int               `gorm:"column:status_rank;not null"`
	ErrorCode         string            `gorm:"column:error_code"`
	ErrorMessage      string            `gorm:"column:error_message"`
	IsRead            bool              `gorm:"column:is_read;not null;default:false"`
	CreatedAt         time.Time         `gorm:"column:created_at;autoCreateTime;index:idx_messages_conversation_created,priority:2"`
	UpdatedAt         time.Time         `gorm:"column:updated_at;autoUpdateTime"`
	SentAt            *time.Time        `gorm:"column:sent_at"`
	DeliveredAt       *time.Time        `gorm:"column:delivered_at"`
	ReadAt            *time.Time        `gorm:"column:read_at"`
	FailedAt          *time.Time        `gorm:"column:failed_at"`
}

func (MessageEntity) TableName() string {
	return "messages"
}

func toMessageEntity(m *model.Message) *MessageEntity {
	if m == nil {
		return nil
	}
	return &MessageEntity{
		ID:                m.ID,
		GatewayMessageID:  m.GatewayMessageID,
		ConversationID:    m.ConversationID,
		Direction:         string(m.Direction),
		Body:              m.Body,
		TemplateID:        m.TemplateID,
		TemplateVariables: m.TemplateVariables,
		MediaURLs:         m.MediaURLs,
		FromNumber:        m.From,
		ToNumber:          m.To,
		ContactName:       m.ContactName,
		SenderName:        m.SenderName,
		Status:            string(m.Status),
		StatusRank:        m.Status.Rank(),
		ErrorCode:         m.ErrorCode,
		ErrorMessage:      m.ErrorMessage,
		IsRead:            m.IsRead,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		ReadAt:            m.ReadAt,
		FailedAt:          m.FailedAt,
	}
}

func toMessageModel(e *MessageEntity) *model.Message {
	if e == nil {
		return nil
	}
	return &model.Message{
		ID:                e.ID,
		GatewayMessageID:  e.GatewayMessageID,
		ConversationID:    e.ConversationID,
		Direction:         model.Direction(e.Direction),
		Body:              e.Body,
		TemplateID:        e.TemplateID,
		TemplateVariables: e.TemplateVariables,
		MediaURLs:         e.MediaURLs,
		From:              e.FromNumber,
		To:                e.ToNumber,
		ContactName:       e.ContactName,
		SenderName:        e.SenderName,
		Status:            model.MessageStatus(e.Status),
		ErrorCode:         e.ErrorCode,
		ErrorMessage:      e.ErrorMessage,
		IsRead:            e.IsRead,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
		SentAt:            e.SentAt,
		DeliveredAt:       e.DeliveredAt,
		ReadAt:            e.ReadAt,
		FailedAt:          e.FailedAt,
	}
}

func toMessageModels(entities []*MessageEntity) []*model.Message {
	if entities == nil {
		return nil
	}
	models := make([]*model.Message, len(entities))
	for i, e := range entities {
		models[i] = toMessageModel(e)
	}
	return models
}
