package chat

import (
	"strings"
	"time"
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

// Conversation is a two-party chat. The participant pair is unordered.
type Conversation struct {
	ID           string    `json:"id"`
	ParticipantA string    `json:"user1_id"`
	ParticipantB string    `json:"user2_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Has reports whether userID occupies either slot.
func (c *Conversation) Has(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"chat_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`

	// seq breaks created_at ties in insertion order.
	seq int64
}

// PairKey is the order-independent key of a participant pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// NormalizeText trims the text and rejects it when nothing is left.
func NormalizeText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", validationErr("text is empty")
	}
	return text, nil
}

// ---------------------------------------------
// ⚡ Relay Models
// ---------------------------------------------

// SendRequest is one outgoing message as received from a connection.
// Either RecipientID or ConversationID identifies the target.
type SendRequest struct {
	SenderID       string
	RecipientID    string
	ConversationID string
	Text           string
	ClientID       string
}

// Delivery is a frame addressed to every local connection of the listed users.
type Delivery struct {
	UserIDs []string `json:"user_ids"`
	Payload []byte   `json:"payload"`
}
