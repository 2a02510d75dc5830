package model

// Error kinds carried by a SubmissionResult.
const (
	ErrorKindValidation   = "validation"
	ErrorKindInvalidPhone = "invalid_phone_number"
	ErrorKindGateway      = "gateway"
	ErrorKindInternal     = "internal"
)

type SubmissionError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// SubmissionResult is the outcome of a send. Accepted means a record was
// persisted; Pending means the gateway round trip was still running when
// the result was produced and GatewayMessageID is the interim id.
type SubmissionResult struct {
	Accepted         bool             `json:"accepted"`
	Pending          bool             `json:"pending"`
	Duplicate        bool             `json:"duplicate,omitempty"`
	MessageID        string           `json:"messageId,omitempty"`
	GatewayMessageID string           `json:"gatewayMessageId,omitempty"`
	Status           MessageStatus    `json:"status,omitempty"`
	Attempts         int              `json:"attempts,omitempty"`
	Error            *SubmissionError `json:"error,omitempty"`
	Message          *Message         `json:"message,omitempty"`
}

func Rejected(kind, msg string) *SubmissionResult {
	return &SubmissionResult{Error: &SubmissionError{Kind: kind, Message: msg}}
}
