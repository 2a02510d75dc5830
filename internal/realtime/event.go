package realtime

// Server to client events.
const (
	EventNewMessage   = "new-message"
	EventStatusUpdate = "message-status-update"
	EventMessagesRead = "messages-read"
	EventJoined       = "joined"
	EventLeft         = "left"
	EventPong         = "pong"
	EventError        = "error"
)

// Client to server commands.
const (
	CommandJoin  = "join-conversation"
	CommandLeave = "leave-conversation"
	CommandPing  = "ping"
)

// Event is the frame pushed to subscribers.
type Event struct {
	Type           string `json:"event"`
	ConversationID string `json:"conversationId,omitempty"`
	Data           any    `json:"data,omitempty"`
}

// Command is a frame sent by a client.
type Command struct {
	Type           string `json:"event"`
	ConversationID string `json:"conversationId"`
}

type errorData struct {
	Message string `json:"message"`
}

func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Data: errorData{Message: msg}}
}
