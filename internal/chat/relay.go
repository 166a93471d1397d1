package chat

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/antonioobaid/linkly/internal/logging"
	"github.com/antonioobaid/linkly/internal/metrics"
)

// Notifier is told about every persisted message. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, recipientID, text string)
}

// Relay persists outgoing messages and fans the stored copy out to both
// participants. Persistence always happens before any delivery.
type Relay struct {
	store    Store
	broker   Broker
	notifier Notifier
	timeout  time.Duration
	log      zerolog.Logger
}

func NewRelay(store Store, broker Broker, notifier Notifier, timeout time.Duration) *Relay {
	return &Relay{
		store:    store,
		broker:   broker,
		notifier: notifier,
		timeout:  timeout,
		log:      logging.With("relay"),
	}
}

// HandleSend validates, persists and delivers one message. On error nothing is
// delivered; the caller reports the failure to the sender.
func (r *Relay) HandleSend(ctx context.Context, req SendRequest) (*Message, error) {
	msg, conv, err := r.persist(ctx, req)
	if err != nil {
		code := ErrorCode(err)
		metrics.SendFailures.WithLabelValues(code).Inc()
		ev := r.log.Warn()
		if code == CodePersistence || code == CodeConsistency || code == CodeTimeout {
			ev = r.log.Error()
		}
		ev.Err(err).Str("sender_id", req.SenderID).Str("recipient_id", req.RecipientID).
			Str("chat_id", req.ConversationID).Str("code", code).Msg("send failed")
		return nil, err
	}
	metrics.MessagesPersisted.Inc()

	recipientID := conv.Other(req.SenderID)
	r.deliver(ctx, *msg, req.SenderID, recipientID, req.ClientID)

	if r.notifier != nil {
		r.notifier.Notify(context.WithoutCancel(ctx), recipientID, msg.Text)
	}
	return msg, nil
}

func (r *Relay) persist(ctx context.Context, req SendRequest) (*Message, *Conversation, error) {
	// Validation runs before any store call so a rejected send leaves no trace.
	text, err := NormalizeText(req.Text)
	if err != nil {
		return nil, nil, err
	}
	if req.SenderID == "" {
		return nil, nil, validationErr("sender is required")
	}
	if req.ConversationID == "" {
		if err := checkPair(req.SenderID, req.RecipientID); err != nil {
			return nil, nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	start := time.Now()
	defer func() { metrics.PersistDuration.Observe(time.Since(start).Seconds()) }()

	conv, err := r.resolve(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	msg, err := r.store.AppendMessage(ctx, conv.ID, req.SenderID, text)
	if err != nil {
		return nil, nil, err
	}
	return msg, conv, nil
}

func (r *Relay) resolve(ctx context.Context, req SendRequest) (*Conversation, error) {
	if req.ConversationID != "" {
		conv, err := r.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if !conv.Has(req.SenderID) {
			return nil, ErrForbidden
		}
		if req.RecipientID != "" && conv.Other(req.SenderID) != req.RecipientID {
			return nil, validationErr("recipient is not part of this conversation")
		}
		return conv, nil
	}

	conv, created, err := r.store.GetOrCreateConversation(ctx, req.SenderID, req.RecipientID)
	if err != nil {
		return nil, err
	}
	if created {
		metrics.ConversationsCreated.Inc()
		r.log.Info().Str("chat_id", conv.ID).Str("user1_id", conv.ParticipantA).
			Str("user2_id", conv.ParticipantB).Msg("conversation created")
	}
	return conv, nil
}

// deliver sends the sender's copy (carrying the correlation token) and the
// recipient's copy separately. A missing live connection is not an error.
func (r *Relay) deliver(ctx context.Context, msg Message, senderID, recipientID, clientID string) {
	own, err := encodeMessage(msg, clientID)
	if err != nil {
		r.log.Error().Err(err).Str("message_id", msg.ID).Msg("encode message")
		return
	}
	peer, err := encodeMessage(msg, "")
	if err != nil {
		r.log.Error().Err(err).Str("message_id", msg.ID).Msg("encode message")
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, d := range []Delivery{
		{UserIDs: []string{senderID}, Payload: own},
		{UserIDs: []string{recipientID}, Payload: peer},
	} {
		if err := r.broker.Publish(ctx, d); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error().Err(err).Str("message_id", msg.ID).Strs("user_ids", d.UserIDs).Msg("delivery failed")
		}
	}
}
