package chat

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antonioobaid/linkly/internal/metrics"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 4096                // Maximum frame size allowed from peer.
	sendBuffer     = 256
)

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	ID     string
	UserID string

	hub  *Hub
	conn *websocket.Conn
	// Buffered channel of outbound frames. Closed by the hub only.
	send chan []byte
	log  zerolog.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, log zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		ID:     id,
		UserID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		log:    log.With().Str("conn_id", id).Str("user_id", userID).Logger(),
	}
}

// ReadPump pumps frames from the websocket connection to the relay. Sends are
// handled inline, so one connection's sends stay in arrival order.
func (c *Client) ReadPump(ctx context.Context, relay *Relay) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		c.handleFrame(ctx, relay, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, relay *Relay, data []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.reply(encodeFailure(FrameError, "", "bad_request", "invalid payload"))
		return
	}

	switch frame.Type {
	case FramePing:
		payload, _ := json.Marshal(pongFrame{Type: FramePong})
		c.reply(payload)

	case FrameSendMessage:
		if frame.SenderID != "" && frame.SenderID != c.UserID {
			metrics.SendFailures.WithLabelValues(CodeForbidden).Inc()
			c.reply(encodeFailure(FrameSendFailed, frame.ClientID, CodeForbidden, "sender_id does not match the authenticated user"))
			return
		}
		_, err := relay.HandleSend(ctx, SendRequest{
			SenderID:       c.UserID,
			RecipientID:    frame.RecipientID,
			ConversationID: frame.ConversationID,
			Text:           frame.Text,
			ClientID:       frame.ClientID,
		})
		if err != nil {
			c.reply(encodeFailure(FrameSendFailed, frame.ClientID, ErrorCode(err), err.Error()))
		}

	default:
		c.reply(encodeFailure(FrameError, "", "unsupported_type", "unknown frame type"))
	}
}

func (c *Client) reply(payload []byte) {
	c.hub.SendTo(c, payload)
}

// WritePump pumps frames from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
