package gateway

import (
	"errors"
	"fmt"
	"strconv"
)

// Gateway error codes that signal back-pressure rather than a bad request.
const (
	CodeTooManyRequests = "20429"
	CodeQueueOverflow   = "30001"
	CodeUnknown         = "UNKNOWN"
)

// Error is a failed gateway call. StatusCode is zero when the request never
// got an HTTP response.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("gateway transport error: %v", e.Err)
	}
	if e.Code != "" {
		return fmt.Sprintf("gateway error %d (code %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway error %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 429:
		return true
	case e.Code == CodeTooManyRequests || e.Code == CodeQueueOverflow:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// ErrorCode is the code recorded on a failed message.
func (e *Error) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	if e.StatusCode != 0 {
		return strconv.Itoa(e.StatusCode)
	}
	return CodeUnknown
}

// IsRetryable classifies any error returned by Client.
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable()
	}
	return false
}

// Describe extracts the code and message to store for a failed submission.
func Describe(err error) (code, message string) {
	var ge *Error
	if errors.As(err, &ge) {
		msg := ge.Message
		if msg == "" && ge.Err != nil {
			msg = ge.Err.Error()
		}
		return ge.ErrorCode(), msg
	}
	if err == nil {
		return "", ""
	}
	return CodeUnknown, err.Error()
}
