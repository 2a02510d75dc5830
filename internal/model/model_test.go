package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessageRequest_Validate(t *testing.T) {
	tests := []struct {
		name  string
		req   SendMessageRequest
		field string
	}{
		{name: "text", req: SendMessageRequest{ConversationID: "C1", To: "+15551234567", Body: "hi"}},
		{name: "media", req: SendMessageRequest{ConversationID: "C1", To: "+15551234567", MediaURLs: []string{"https://example.com/a.jpg"}}},
		{name: "template", req: SendMessageRequest{ConversationID: "C1", To: "+15551234567", TemplateID: "HX1", TemplateVariables: map[string]string{"1": "Ana"}}},
		{name: "missing to", req: SendMessageRequest{ConversationID: "C1", Body: "hi"}, field: "to"},
		{name: "missing conversation", req: SendMessageRequest{To: "+15551234567", Body: "hi"}, field: "conversationId"},
		{name: "no content", req: SendMessageRequest{ConversationID: "C1", To: "+15551234567"}, field: "body"},
		{name: "blank body", req: SendMessageRequest{ConversationID: "C1", To: "+15551234567", Body: "   "}, field: "body"},
		{name: "two contents", req: SendMessageRequest{ConversationID: "C1", To: "+15551234567", Body: "hi", TemplateID: "HX1"}, field: "body"},
		{name: "bad media url", req: SendMessageRequest{ConversationID: "C1", To: "+15551234567", MediaURLs: []string{"ftp://x"}}, field: "mediaUrls"},
		{name: "variables without template", req: SendMessageRequest{ConversationID: "C1", To: "+15551234567", Body: "hi", TemplateVariables: map[string]string{"1": "x"}}, field: "templateVariables"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCanAdvance(t *testing.T) {
	assert.True(t, CanAdvance(MessageStatusQueued, MessageStatusSent))
	assert.True(t, CanAdvance(MessageStatusSent, MessageStatusRead))
	assert.False(t, CanAdvance(MessageStatusDelivered, MessageStatusSent))
	assert.False(t, CanAdvance(MessageStatusReceived, MessageStatusSent))
	assert.False(t, CanAdvance(MessageStatusRead, MessageStatusRead))

	assert.True(t, CanAdvance(MessageStatusDelivered, MessageStatusFailed))
	assert.False(t, CanAdvance(MessageStatusRead, MessageStatusFailed))
	assert.False(t, CanAdvance(MessageStatusFailed, MessageStatusUndelivered))
	assert.False(t, CanAdvance(MessageStatusFailed, MessageStatusRead))

	assert.False(t, CanAdvance(MessageStatusQueued, MessageStatus("bogus")))
}

func TestMessage_Helpers(t *testing.T) {
	out := &Message{Direction: DirectionOutbound, From: "+1", To: "+2", GatewayMessageID: InterimIDPrefix + "x"}
	in := &Message{Direction: DirectionInbound, From: "+2", To: "+1", GatewayMessageID: "SM1"}

	assert.Equal(t, "+2", out.Counterparty())
	assert.Equal(t, "+2", in.Counterparty())
	assert.True(t, out.HasInterimID())
	assert.False(t, in.HasInterimID())
	assert.Equal(t, "failed_at", MessageStatusUndelivered.TimestampColumn())
	assert.Empty(t, MessageStatusQueued.TimestampColumn())
}
