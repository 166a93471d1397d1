package chat

import "context"

// Store is the durable home of conversations and messages.
// Every method may block on I/O.
type Store interface {
	// FindConversation matches the pair in either slot order.
	// ErrNotFound when none, ErrConsistency when more than one.
	FindConversation(ctx context.Context, a, b string) (*Conversation, error)
	// CreateConversation fails with ErrConversationExists when the pair is taken.
	CreateConversation(ctx context.Context, a, b string) (*Conversation, error)
	// GetOrCreateConversation is idempotent under concurrent callers.
	GetOrCreateConversation(ctx context.Context, a, b string) (*Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	AppendMessage(ctx context.Context, conversationID, senderID, text string) (*Message, error)
	// ListMessages is ascending by created_at then insertion order.
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	// DeleteConversation removes the conversation and its messages atomically.
	DeleteConversation(ctx context.Context, conversationID, requesterID string) error

	ListConversationsFor(ctx context.Context, userID string) ([]Conversation, error)
	// LatestMessages returns the newest message per conversation id, omitting empty ones.
	LatestMessages(ctx context.Context, conversationIDs []string) (map[string]Message, error)
}

func checkPair(a, b string) error {
	if a == "" || b == "" {
		return validationErr("both participants are required")
	}
	if a == b {
		return validationErr("cannot start a conversation with yourself")
	}
	return nil
}
