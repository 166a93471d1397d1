package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonioobaid/linkly/internal/chat"
	myMiddleware "github.com/antonioobaid/linkly/internal/middleware"
)

type tokenIsUser struct{}

func (tokenIsUser) ValidateToken(token string) (string, string, error) {
	return token, token, nil
}

type relayServer struct {
	*httptest.Server
	store *chat.MemoryStore
	hub   *chat.Hub
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := chat.NewMemoryStore()
	hub := chat.NewHub()
	go hub.Run(ctx)
	relay := chat.NewRelay(store, chat.NewLocalBroker(hub), nil, time.Second)
	h := chat.NewHandler(hub, relay, store, nil)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.NewAuthMiddleware(tokenIsUser{}).Handle)
		r.Get("/ws", h.ServeWs)
		r.Get("/api/conversations/{id}/messages", h.GetChatHistory)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &relayServer{Server: srv, store: store, hub: hub}
}

func (rs *relayServer) dial(t *testing.T, userID string) *Session {
	t.Helper()
	s, err := Dial(context.Background(), Config{
		URL:     "ws" + strings.TrimPrefix(rs.URL, "http") + "/ws",
		Token:   userID,
		UserID:  userID,
		History: &HTTPHistory{BaseURL: rs.URL, Token: userID},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func waitElsewhere(t *testing.T, s *Session) chat.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-s.Events():
			if e.Type == Elsewhere {
				return e.Message
			}
		case <-deadline:
			t.Fatal("no message for another conversation")
			return chat.Message{}
		}
	}
}

func TestSendToIsConfirmedInPlace(t *testing.T) {
	rs := newRelayServer(t)
	alice := rs.dial(t, "alice")
	bob := rs.dial(t, "bob")

	clientID, err := alice.SendTo(context.Background(), "bob", "  hi bob ")
	require.NoError(t, err)

	waitFor(t, func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && msgs[0].Status == Confirmed
	})
	got := alice.Messages()[0]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, clientID, got.ClientID)
	assert.Equal(t, "hi bob", got.Text)
	assert.Equal(t, got.ConversationID, alice.ConversationID())

	// Bob has nothing open, so the message is reported but not listed.
	incoming := waitElsewhere(t, bob)
	assert.Equal(t, got.ID, incoming.ID)
	assert.Empty(t, bob.Messages())
}

func TestSendToAnotherRecipientBeforeFirstEcho(t *testing.T) {
	rs := newRelayServer(t)
	ctx := context.Background()
	alice := rs.dial(t, "alice")
	carol := rs.dial(t, "carol")

	_, err := alice.SendTo(ctx, "bob", "hi bob")
	require.NoError(t, err)
	_, err = alice.SendTo(ctx, "carol", "hi carol")
	require.NoError(t, err)
	_, err = alice.Send(ctx, "follow-up")
	require.NoError(t, err)

	waitFor(t, func() bool {
		msgs := alice.Messages()
		return len(msgs) == 2 && msgs[0].Status == Confirmed && msgs[1].Status == Confirmed
	})
	conv, err := rs.store.FindConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, alice.ConversationID())
	for _, m := range alice.Messages() {
		assert.Equal(t, conv.ID, m.ConversationID)
		assert.Equal(t, "bob", m.RecipientID)
	}
	assert.Equal(t, "hi bob", alice.Messages()[0].Text)
	assert.Equal(t, "follow-up", alice.Messages()[1].Text)

	assert.Equal(t, "hi carol", waitElsewhere(t, carol).Text)
}

func TestDialWhileMessagesArrive(t *testing.T) {
	rs := newRelayServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rs.dial(t, "alice")
	go func() {
		for ctx.Err() == nil {
			rs.hub.Deliver(ctx, chat.Delivery{UserIDs: []string{"alice"}, Payload: []byte(`{"type":"receive_message","message":{"id":"m1","chat_id":"c9","sender_id":"bob","text":"hi"}}`)})
		}
	}()

	for i := 0; i < 30; i++ {
		s := rs.dial(t, "alice")
		require.NoError(t, s.Close())
	}
}

func TestOpenLoadsHistoryAndFiltersByConversation(t *testing.T) {
	rs := newRelayServer(t)
	ctx := context.Background()
	conv, _, err := rs.store.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	for _, text := range []string{"one", "two"} {
		_, err := rs.store.AppendMessage(ctx, conv.ID, "bob", text)
		require.NoError(t, err)
	}

	alice := rs.dial(t, "alice")
	bob := rs.dial(t, "bob")
	carol := rs.dial(t, "carol")

	require.NoError(t, alice.Open(ctx, conv.ID, "bob"))
	msgs := alice.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Text)
	assert.Equal(t, Confirmed, msgs[1].Status)

	_, err = carol.SendTo(ctx, "alice", "psst")
	require.NoError(t, err)
	assert.Equal(t, "psst", waitElsewhere(t, alice).Text)

	require.NoError(t, bob.Open(ctx, conv.ID, "alice"))
	_, err = bob.Send(ctx, "three")
	require.NoError(t, err)
	waitFor(t, func() bool { return len(alice.Messages()) == 3 })

	texts := make([]string, 0, 3)
	for _, m := range alice.Messages() {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"one", "two", "three"}, texts)
}

func TestSendFailedMarksEntry(t *testing.T) {
	rs := newRelayServer(t)
	alice := rs.dial(t, "alice")
	alice.cfg.History = nil

	require.NoError(t, alice.Open(context.Background(), "no-such-chat", "bob"))
	clientID, err := alice.Send(context.Background(), "hello?")
	require.NoError(t, err)

	waitFor(t, func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && msgs[0].Status == Failed
	})
	failed := alice.Messages()[0]
	assert.Equal(t, clientID, failed.ClientID)
	assert.Equal(t, chat.CodeNotFound, failed.FailureCode)
	assert.Empty(t, failed.ID)
}

func TestReconnectReloadsHistory(t *testing.T) {
	rs := newRelayServer(t)
	ctx := context.Background()
	conv, _, err := rs.store.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	alice := rs.dial(t, "alice")
	require.NoError(t, alice.Open(ctx, conv.ID, "bob"))
	assert.Empty(t, alice.Messages())

	// Sent while alice was "offline": only history brings it back.
	_, err = rs.store.AppendMessage(ctx, conv.ID, "bob", "missed")
	require.NoError(t, err)

	require.NoError(t, alice.Reconnect(ctx))
	msgs := alice.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "missed", msgs[0].Text)

	_, err = alice.Send(ctx, "back")
	require.NoError(t, err)
	waitFor(t, func() bool {
		msgs := alice.Messages()
		return len(msgs) == 2 && msgs[1].Status == Confirmed
	})
}

func TestSendValidation(t *testing.T) {
	rs := newRelayServer(t)
	alice := rs.dial(t, "alice")
	ctx := context.Background()

	_, err := alice.Send(ctx, "hello")
	assert.ErrorIs(t, err, ErrNoConversation)

	_, err = alice.SendTo(ctx, "bob", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, alice.Messages())

	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())
	_, err = alice.SendTo(ctx, "bob", "after close")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, alice.Reconnect(ctx), ErrClosed)
}

func TestDialRequiresIdentity(t *testing.T) {
	_, err := Dial(context.Background(), Config{URL: "ws://localhost/ws"})
	assert.Error(t, err)
}

func offlineSession(userID, convID string) *Session {
	return &Session{
		cfg:            Config{UserID: userID, ReconcileWindow: time.Minute},
		conversationID: convID,
		events:         make(chan Event, 64),
		now:            time.Now,
	}
}

func TestReceiveMatchesLookalikeWithoutToken(t *testing.T) {
	s := offlineSession("alice", "c1")
	now := time.Now().UTC()
	s.entries = []Entry{{
		Message:  chat.Message{ConversationID: "c1", SenderID: "alice", Text: "hi", CreatedAt: now},
		ClientID: "tmp-1",
		Status:   Pending,
	}}

	echo := chat.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Text: "hi", CreatedAt: now.Add(time.Second)}
	s.receive(echo, "")

	require.Len(t, s.entries, 1)
	assert.Equal(t, Confirmed, s.entries[0].Status)
	assert.Equal(t, "m1", s.entries[0].ID)
	assert.Equal(t, "tmp-1", s.entries[0].ClientID)

	// A duplicate delivery is ignored.
	s.receive(echo, "")
	assert.Len(t, s.entries, 1)
}

func TestReceiveAdoptsConversationFromPeer(t *testing.T) {
	s := offlineSession("alice", "")
	s.peerID = "bob"
	s.mu.Lock()
	clientID := s.addPendingLocked("bob", "hi bob")
	s.mu.Unlock()
	now := time.Now().UTC()

	// Someone else writes first: reported, not listed.
	s.receive(chat.Message{ID: "m0", ConversationID: "c2", SenderID: "carol", Text: "hey", CreatedAt: now}, "")
	assert.Empty(t, s.conversationID)
	assert.Len(t, s.entries, 1)

	// Bob's reply can beat our own echo.
	s.receive(chat.Message{ID: "m2", ConversationID: "c1", SenderID: "bob", Text: "yo", CreatedAt: now.Add(time.Second)}, "")
	assert.Equal(t, "c1", s.conversationID)
	require.Len(t, s.entries, 2)
	assert.Equal(t, "c1", s.entries[0].ConversationID)
	assert.Equal(t, Pending, s.entries[0].Status)

	s.receive(chat.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Text: "hi bob", CreatedAt: now}, clientID)
	require.Len(t, s.entries, 2)
	assert.Equal(t, "m1", s.entries[0].ID)
	assert.Equal(t, Confirmed, s.entries[0].Status)
	assert.Equal(t, "bob", s.entries[0].RecipientID)
	assert.Equal(t, "m2", s.entries[1].ID)
}

func TestReceiveIgnoresEchoForOtherRecipient(t *testing.T) {
	s := offlineSession("alice", "")
	s.peerID = "bob"
	s.entries = []Entry{{
		Message:     chat.Message{SenderID: "alice", Text: "hi carol"},
		ClientID:    "tmp-1",
		RecipientID: "carol",
		Status:      Pending,
	}}

	s.receive(chat.Message{ID: "m1", ConversationID: "c2", SenderID: "alice", Text: "hi carol"}, "tmp-1")
	assert.Empty(t, s.conversationID)
	assert.Equal(t, Pending, s.entries[0].Status)
}

func TestReceiveLeavesStaleLookalikePending(t *testing.T) {
	s := offlineSession("alice", "c1")
	old := time.Now().UTC().Add(-time.Hour)
	s.entries = []Entry{{
		Message:  chat.Message{ConversationID: "c1", SenderID: "alice", Text: "hi", CreatedAt: old},
		ClientID: "tmp-1",
		Status:   Pending,
	}}

	s.receive(chat.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Text: "hi", CreatedAt: time.Now().UTC()}, "")

	require.Len(t, s.entries, 2)
	assert.Equal(t, Pending, s.entries[0].Status)
	assert.Equal(t, Confirmed, s.entries[1].Status)
}

func TestReceiveOrdersByCreatedAt(t *testing.T) {
	s := offlineSession("alice", "c1")
	t0 := time.Now().UTC()
	s.receive(chat.Message{ID: "m2", ConversationID: "c1", SenderID: "bob", Text: "second", CreatedAt: t0.Add(time.Second)}, "")
	s.receive(chat.Message{ID: "m1", ConversationID: "c1", SenderID: "bob", Text: "first", CreatedAt: t0}, "")

	require.Len(t, s.entries, 2)
	assert.Equal(t, "m1", s.entries[0].ID)
	assert.Equal(t, "m2", s.entries[1].ID)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "confirmed", Confirmed.String())
	assert.Equal(t, "failed", Failed.String())
}
