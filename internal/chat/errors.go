package chat

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrValidation: empty text, missing or identical participants.
	ErrValidation = errors.New("validation error")
	// ErrForbidden: the user is not a participant of the conversation.
	ErrForbidden = errors.New("user is not a participant in this conversation")
	ErrNotFound  = errors.New("conversation not found")
	// ErrConsistency: more than one conversation stored for a pair.
	ErrConsistency = errors.New("consistency error")
	// ErrPersistence wraps store failures.
	ErrPersistence        = errors.New("persistence error")
	ErrConversationExists = errors.New("conversation already exists")
)

func validationErr(reason string) error {
	return fmt.Errorf("%w: %s", ErrValidation, reason)
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// Failure codes carried by send_failed frames.
const (
	CodeValidation  = "validation"
	CodeForbidden   = "forbidden"
	CodeNotFound    = "not_found"
	CodeConsistency = "consistency"
	CodePersistence = "persistence"
	CodeTimeout     = "timeout"
)

// ErrorCode classifies err for the wire.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConsistency):
		return CodeConsistency
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodePersistence
	}
}
