package inbox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonioobaid/linkly/internal/chat"
	myMiddleware "github.com/antonioobaid/linkly/internal/middleware"
	"github.com/antonioobaid/linkly/internal/user"
)

type fakeProfiles struct {
	profiles map[string]user.Profile
	err      error
	asked    []string
}

func (f *fakeProfiles) GetProfiles(_ context.Context, ids []string) (map[string]user.Profile, error) {
	f.asked = append([]string(nil), ids...)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]user.Profile)
	for _, id := range ids {
		if p, ok := f.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type failingConversations struct {
	*chat.MemoryStore
	listErr, latestErr error
}

func (f *failingConversations) ListConversationsFor(ctx context.Context, userID string) ([]chat.Conversation, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.MemoryStore.ListConversationsFor(ctx, userID)
}

func (f *failingConversations) LatestMessages(ctx context.Context, ids []string) (map[string]chat.Message, error) {
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	return f.MemoryStore.LatestMessages(ctx, ids)
}

func seed(t *testing.T) (*chat.MemoryStore, map[string]string) {
	t.Helper()
	ctx := context.Background()
	store := chat.NewMemoryStore()

	c12, _, err := store.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)
	c13, _, err := store.GetOrCreateConversation(ctx, "u3", "u1")
	require.NoError(t, err)
	c14, _, err := store.GetOrCreateConversation(ctx, "u1", "u4")
	require.NoError(t, err)
	_, _, err = store.GetOrCreateConversation(ctx, "u2", "u3")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	_, err = store.AppendMessage(ctx, c12.ID, "u2", "older")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = store.AppendMessage(ctx, c13.ID, "u1", "first to u3")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = store.AppendMessage(ctx, c13.ID, "u3", "newest")
	require.NoError(t, err)

	return store, map[string]string{"u2": c12.ID, "u3": c13.ID, "u4": c14.ID}
}

func TestListConversationsOrdersByLatestActivity(t *testing.T) {
	store, ids := seed(t)
	profiles := &fakeProfiles{profiles: map[string]user.Profile{
		"u2": {ID: "u2", Username: "bob"},
		"u3": {ID: "u3", Username: "carol"},
	}}

	entries, err := NewAggregator(store, profiles).ListConversationsFor(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, ids["u3"], entries[0].Conversation.ID)
	assert.Equal(t, "carol", entries[0].Peer.Username)
	require.NotNil(t, entries[0].LastMessage)
	assert.Equal(t, "newest", entries[0].LastMessage.Text)
	assert.Equal(t, entries[0].LastMessage.CreatedAt, entries[0].LastActivity)

	assert.Equal(t, ids["u2"], entries[1].Conversation.ID)
	assert.Equal(t, "older", entries[1].LastMessage.Text)

	// No messages yet: falls back to the creation time and a bare profile.
	assert.Equal(t, ids["u4"], entries[2].Conversation.ID)
	assert.Nil(t, entries[2].LastMessage)
	assert.Equal(t, user.Profile{ID: "u4"}, entries[2].Peer)
	assert.Equal(t, entries[2].Conversation.CreatedAt, entries[2].LastActivity)

	assert.ElementsMatch(t, []string{"u2", "u3", "u4"}, profiles.asked)
}

func TestListConversationsEmpty(t *testing.T) {
	profiles := &fakeProfiles{}
	entries, err := NewAggregator(chat.NewMemoryStore(), profiles).ListConversationsFor(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
	assert.Nil(t, profiles.asked)
}

func TestListConversationsPropagatesErrors(t *testing.T) {
	store, _ := seed(t)
	boom := errors.New("boom")

	tests := []struct {
		name     string
		source   ConversationSource
		profiles ProfileSource
	}{
		{"list", &failingConversations{MemoryStore: store, listErr: boom}, &fakeProfiles{}},
		{"latest", &failingConversations{MemoryStore: store, latestErr: boom}, &fakeProfiles{}},
		{"profiles", store, &fakeProfiles{err: boom}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAggregator(tt.source, tt.profiles).ListConversationsFor(context.Background(), "u1")
			assert.ErrorIs(t, err, boom)
		})
	}
}

func TestSortByActivityTieBreaksOnID(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Conversation: chat.Conversation{ID: "b"}, LastActivity: at},
		{Conversation: chat.Conversation{ID: "c"}, LastActivity: at.Add(time.Second)},
		{Conversation: chat.Conversation{ID: "a"}, LastActivity: at},
	}
	sortByActivity(entries)
	assert.Equal(t, "c", entries[0].Conversation.ID)
	assert.Equal(t, "a", entries[1].Conversation.ID)
	assert.Equal(t, "b", entries[2].Conversation.ID)
}

func TestHandlerListConversations(t *testing.T) {
	store, ids := seed(t)
	h := NewHandler(NewAggregator(store, &fakeProfiles{}))

	serve := func(userID, query string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/conversations"+query, nil)
		if userID != "" {
			req = req.WithContext(myMiddleware.WithUser(req.Context(), userID, userID))
		}
		rec := httptest.NewRecorder()
		h.ListConversations(rec, req)
		return rec
	}

	rec := serve("u1", "?userId=u1")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, ids["u3"], entries[0].Conversation.ID)

	assert.Equal(t, http.StatusOK, serve("u1", "").Code)
	assert.Equal(t, http.StatusForbidden, serve("u1", "?userId=u2").Code)
	assert.Equal(t, http.StatusUnauthorized, serve("", "").Code)
}
