package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonioobaid/linkly/internal/notify"
)

type recordingBroker struct {
	mu         sync.Mutex
	deliveries []Delivery
}

func (b *recordingBroker) Publish(_ context.Context, d Delivery) error {
	b.mu.Lock()
	b.deliveries = append(b.deliveries, d)
	b.mu.Unlock()
	return nil
}

func (b *recordingBroker) all() []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Delivery(nil), b.deliveries...)
}

type notification struct {
	recipientID string
	text        string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(_ context.Context, recipientID, text string) {
	n.mu.Lock()
	n.sent = append(n.sent, notification{recipientID, text})
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

// failingStore fails appends with err, or blocks until the deadline when err is nil.
type failingStore struct {
	*MemoryStore
	err error
}

func (s *failingStore) AppendMessage(ctx context.Context, conversationID, senderID, text string) (*Message, error) {
	if s.err != nil {
		return nil, persistenceErr("append message", s.err)
	}
	<-ctx.Done()
	return nil, persistenceErr("append message", ctx.Err())
}

func decodeFrame(t *testing.T, payload []byte) MessageFrame {
	t.Helper()
	var f MessageFrame
	require.NoError(t, json.Unmarshal(payload, &f))
	return f
}

func newTestRelay(store Store) (*Relay, *recordingBroker, *recordingNotifier) {
	b := &recordingBroker{}
	n := &recordingNotifier{}
	return NewRelay(store, b, n, time.Second), b, n
}

func TestRelayFirstMessageCreatesConversation(t *testing.T) {
	store := NewMemoryStore()
	relay, broker, notifier := newTestRelay(store)
	ctx := context.Background()

	msg, err := relay.HandleSend(ctx, SendRequest{SenderID: "u1", RecipientID: "u2", Text: "  hi  ", ClientID: "tmp-1"})
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Text)

	conv, err := store.FindConversation(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, msg.ConversationID)

	deliveries := broker.all()
	require.Len(t, deliveries, 2)

	own := decodeFrame(t, deliveries[0].Payload)
	assert.Equal(t, []string{"u1"}, deliveries[0].UserIDs)
	assert.Equal(t, FrameReceiveMessage, own.Type)
	assert.Equal(t, "tmp-1", own.ClientID)
	assert.Equal(t, msg.ID, own.Message.ID)

	peer := decodeFrame(t, deliveries[1].Payload)
	assert.Equal(t, []string{"u2"}, deliveries[1].UserIDs)
	assert.Empty(t, peer.ClientID)
	assert.Equal(t, own.Message, peer.Message)

	assert.Equal(t, []notification{{"u2", "hi"}}, notifier.all())
}

func TestRelayReusesConversation(t *testing.T) {
	store := NewMemoryStore()
	relay, broker, notifier := newTestRelay(store)
	ctx := context.Background()

	first, err := relay.HandleSend(ctx, SendRequest{SenderID: "u1", RecipientID: "u2", Text: "hello"})
	require.NoError(t, err)
	byPeer, err := relay.HandleSend(ctx, SendRequest{SenderID: "u2", RecipientID: "u1", Text: "hey"})
	require.NoError(t, err)
	byID, err := relay.HandleSend(ctx, SendRequest{SenderID: "u1", ConversationID: first.ConversationID, Text: "how are you"})
	require.NoError(t, err)

	assert.Equal(t, first.ConversationID, byPeer.ConversationID)
	assert.Equal(t, first.ConversationID, byID.ConversationID)

	convs, err := store.ListConversationsFor(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, convs, 1)

	msgs, err := store.ListMessages(ctx, first.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "how are you", msgs[2].Text)

	assert.Len(t, broker.all(), 6)
	assert.Equal(t, notification{"u1", "hey"}, notifier.all()[1])
	assert.Equal(t, notification{"u2", "how are you"}, notifier.all()[2])
}

func TestRelayRejectsWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	existing, _, err := store.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	tests := []struct {
		name string
		req  SendRequest
		code string
	}{
		{"blank text", SendRequest{SenderID: "u1", RecipientID: "u3", Text: "   "}, CodeValidation},
		{"self", SendRequest{SenderID: "u1", RecipientID: "u1", Text: "me"}, CodeValidation},
		{"no target", SendRequest{SenderID: "u1", Text: "to whom"}, CodeValidation},
		{"no sender", SendRequest{RecipientID: "u2", Text: "anon"}, CodeValidation},
		{"outsider", SendRequest{SenderID: "u3", ConversationID: existing.ID, Text: "let me in"}, CodeForbidden},
		{"wrong recipient", SendRequest{SenderID: "u1", RecipientID: "u3", ConversationID: existing.ID, Text: "oops"}, CodeValidation},
		{"unknown conversation", SendRequest{SenderID: "u1", ConversationID: "missing", Text: "hello"}, CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay, broker, notifier := newTestRelay(store)
			_, err := relay.HandleSend(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, ErrorCode(err))
			assert.Empty(t, broker.all())
			assert.Empty(t, notifier.all())
		})
	}

	for _, u := range []string{"u1", "u2", "u3"} {
		convs, err := store.ListConversationsFor(ctx, u)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(convs), 1)
	}
	msgs, err := store.ListMessages(ctx, existing.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRelayPersistenceFailureDeliversNothing(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), err: errors.New("disk full")}
	relay, broker, notifier := newTestRelay(store)

	_, err := relay.HandleSend(context.Background(), SendRequest{SenderID: "u1", RecipientID: "u2", Text: "hi"})
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, CodePersistence, ErrorCode(err))
	assert.Empty(t, broker.all())
	assert.Empty(t, notifier.all())
}

func TestRelayPersistTimeout(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	broker := &recordingBroker{}
	relay := NewRelay(store, broker, nil, 20*time.Millisecond)

	start := time.Now()
	_, err := relay.HandleSend(context.Background(), SendRequest{SenderID: "u1", RecipientID: "u2", Text: "hi"})
	assert.Equal(t, CodeTimeout, ErrorCode(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, broker.all())
}

func TestRelayDeliversOnlyToParticipants(t *testing.T) {
	hub := startHub(t)
	relay := NewRelay(NewMemoryStore(), NewLocalBroker(hub), nil, time.Second)

	sender := register(t, hub, "u2")
	recipient := register(t, hub, "u1")
	bystander := register(t, hub, "u3")

	_, err := relay.HandleSend(context.Background(), SendRequest{SenderID: "u2", RecipientID: "u1", Text: "Hello", ClientID: "c-1"})
	require.NoError(t, err)

	own := decodeFrame(t, recv(t, sender))
	peer := decodeFrame(t, recv(t, recipient))
	assert.Equal(t, "c-1", own.ClientID)
	assert.Empty(t, peer.ClientID)
	assert.Equal(t, "Hello", peer.Message.Text)
	assert.Equal(t, "u2", peer.Message.SenderID)

	// Both copies have been routed, so anything for u3 would be queued by now.
	assert.Empty(t, bystander.send)
}

func TestRelayConcurrentFirstMessages(t *testing.T) {
	store := NewMemoryStore()
	relay, _, _ := newTestRelay(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := SendRequest{SenderID: "u1", RecipientID: "u2", Text: "ping"}
			if i%2 == 0 {
				req.SenderID, req.RecipientID = "u2", "u1"
			}
			_, err := relay.HandleSend(ctx, req)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	convs, err := store.ListConversationsFor(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := store.ListMessages(ctx, convs[0].ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 10)
}

// brokenPusher panics on the first push and fails every later one.
type brokenPusher struct {
	calls chan string
	once  sync.Once
}

func (p *brokenPusher) Push(_ context.Context, recipientID, _ string) error {
	p.calls <- recipientID
	p.once.Do(func() { panic("provider down") })
	return errors.New("provider down")
}

func TestRelayDeliversWhenPushFails(t *testing.T) {
	hub := startHub(t)
	pusher := &brokenPusher{calls: make(chan string, 4)}
	trigger := notify.NewAsyncTrigger(pusher, 1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go trigger.Run(ctx)

	relay := NewRelay(NewMemoryStore(), NewLocalBroker(hub), trigger, time.Second)
	sender := register(t, hub, "u1")
	recipient := register(t, hub, "u2")

	for _, text := range []string{"first", "second"} {
		_, err := relay.HandleSend(context.Background(), SendRequest{SenderID: "u1", RecipientID: "u2", Text: text, ClientID: text})
		require.NoError(t, err)

		own := decodeFrame(t, recv(t, sender))
		assert.Equal(t, text, own.ClientID)
		peer := decodeFrame(t, recv(t, recipient))
		assert.Equal(t, FrameReceiveMessage, peer.Type)
		assert.Equal(t, text, peer.Message.Text)

		select {
		case got := <-pusher.calls:
			assert.Equal(t, "u2", got)
		case <-time.After(2 * time.Second):
			t.Fatal("push never attempted")
		}
	}
}
