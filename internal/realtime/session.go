package realtime

import (
	"encoding/json"
)

type joinedData struct {
	ConversationID string `json:"conversationId"`
}

// HandleFrame applies one client command for the connection and returns
// the reply to send back.
func (h *Hub) HandleFrame(connID string, frame []byte) Event {
	var cmd Command
	if err := json.Unmarshal(frame, &cmd); err != nil {
		return ErrorEvent("invalid frame")
	}

	switch cmd.Type {
	case CommandJoin:
		if err := h.Join(connID, cmd.ConversationID); err != nil {
			return ErrorEvent(err.Error())
		}
		return Event{Type: EventJoined, ConversationID: cmd.ConversationID, Data: joinedData{ConversationID: cmd.ConversationID}}
	case CommandLeave:
		left := h.Leave(connID)
		return Event{Type: EventLeft, ConversationID: left, Data: joinedData{ConversationID: left}}
	case CommandPing:
		h.Touch(connID)
		return Event{Type: EventPong}
	}
	return ErrorEvent("unknown command " + cmd.Type)
}
