package model

// MessageStatus is the lifecycle state of a message.
type MessageStatus string

const (
	MessageStatusQueued      MessageStatus = "queued"
	MessageStatusSending     MessageStatus = "sending"
	MessageStatusSent        MessageStatus = "sent"
	MessageStatusReceived    MessageStatus = "received"
	MessageStatusDelivered   MessageStatus = "delivered"
	MessageStatusRead        MessageStatus = "read"
	MessageStatusFailed      MessageStatus = "failed"
	MessageStatusUndelivered MessageStatus = "undelivered"
)

// ranks order the state machine. received is the inbound entry point and
// sits level with sent; failures outrank everything and are absorbing.
var ranks = map[MessageStatus]int{
	MessageStatusQueued:      10,
	MessageStatusSending:     20,
	MessageStatusSent:        30,
	MessageStatusReceived:    30,
	MessageStatusDelivered:   40,
	MessageStatusRead:        50,
	MessageStatusFailed:      100,
	MessageStatusUndelivered: 100,
}

func (s MessageStatus) Valid() bool {
	_, ok := ranks[s]
	return ok
}

// Rank returns 0 for unknown statuses.
func (s MessageStatus) Rank() int {
	return ranks[s]
}

func (s MessageStatus) IsFailure() bool {
	return s == MessageStatusFailed || s == MessageStatusUndelivered
}

// AdvanceCeiling is the exclusive upper bound on the current rank for a
// transition into s to be accepted. Ordered statuses need a strictly lower
// rank; failures are accepted from anything below read.
func (s MessageStatus) AdvanceCeiling() int {
	if s.IsFailure() {
		return MessageStatusRead.Rank()
	}
	return s.Rank()
}

// CanAdvance reports whether a message currently in from may move to to.
func CanAdvance(from, to MessageStatus) bool {
	if !to.Valid() {
		return false
	}
	return from.Rank() < to.AdvanceCeiling()
}

// TimestampColumn names the column recording when s was first observed,
// empty when s has none.
func (s MessageStatus) TimestampColumn() string {
	switch s {
	case MessageStatusSent:
		return "sent_at"
	case MessageStatusDelivered:
		return "delivered_at"
	case MessageStatusRead:
		return "read_at"
	case MessageStatusFailed, MessageStatusUndelivered:
		return "failed_at"
	}
	return ""
}

// Retryable reports whether an operator may resend a message in s.
func (s MessageStatus) Retryable() bool {
	return s.IsFailure()
}
