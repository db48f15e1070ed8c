package broker

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrNotReplaceable = errors.New("order cannot be replaced")
	ErrLimiterClosed  = errors.New("rate limiter closed")
)

// APIError is a failed brokerage call
type APIError struct {
	Op      string // submit, cancel, replace, query
	Code    int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("broker %s failed", e.Op)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the same call may succeed.
// Codes in the 4xx range are treated as client errors.
func (e *APIError) Temporary() bool {
	return e.Code == 0 || e.Code == 429 || e.Code >= 500
}

// IsTemporary reports whether err is a retriable brokerage failure
func IsTemporary(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return false
}

// ParseError is a raw brokerage record that failed validation
type ParseError struct {
	OrderID string
	Field   string
	Value   string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("order %s: invalid %s %q: %v", e.OrderID, e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
