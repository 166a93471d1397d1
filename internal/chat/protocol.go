package chat

import (
	"time"

	"github.com/goccy/go-json"
)

// Frame types exchanged over the realtime connection.
const (
	FrameSendMessage    = "send_message"
	FramePing           = "ping"
	FrameConnected      = "connected"
	FrameReceiveMessage = "receive_message"
	FrameSendFailed     = "send_failed"
	FramePong           = "pong"
	FrameError          = "error"
)

// InboundFrame is what clients send. SenderID is optional and must match the
// authenticated user when present.
type InboundFrame struct {
	Type           string `json:"type"`
	SenderID       string `json:"sender_id,omitempty"`
	RecipientID    string `json:"recipient_id,omitempty"`
	ConversationID string `json:"chat_id,omitempty"`
	Text           string `json:"text"`
	ClientID       string `json:"client_id,omitempty"`
}

type MessageFrame struct {
	Type     string  `json:"type"`
	ClientID string  `json:"client_id,omitempty"`
	Message  Message `json:"message"`
}

type FailureFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id,omitempty"`
	Code     string `json:"code"`
	Error    string `json:"error"`
}

type ConnectedFrame struct {
	Type   string    `json:"type"`
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

type pongFrame struct {
	Type string `json:"type"`
}

func encodeMessage(m Message, clientID string) ([]byte, error) {
	return json.Marshal(MessageFrame{Type: FrameReceiveMessage, ClientID: clientID, Message: m})
}

func encodeFailure(frameType, clientID, code, reason string) []byte {
	payload, _ := json.Marshal(FailureFrame{Type: frameType, ClientID: clientID, Code: code, Error: reason})
	return payload
}
