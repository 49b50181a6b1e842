// Package validation rejects invalid input before it reaches the network
// layer.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxBodyLength is the maximum message body length in runes.
const MaxBodyLength = 10000

// ValidationError is an input rejection. It is never retried and never
// produces a network request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidateBody checks a message body for emptiness and length.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return &ValidationError{Field: "body", Reason: "message body is empty"}
	}
	if n := utf8.RuneCountInString(body); n > MaxBodyLength {
		return &ValidationError{Field: "body", Reason: fmt.Sprintf("message body is %d characters (max %d)", n, MaxBodyLength)}
	}
	return nil
}

// ValidateConversationID checks a conversation id argument.
func ValidateConversationID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "conversation", Reason: "conversation id is empty"}
	}
	return nil
}
