package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It mirrors the PostgreSQL
// semantics, including the unique pair key, and is used for local runs and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	byPair        map[string]string
	messages      map[string][]Message
	seq           int64
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		byPair:        make(map[string]string),
		messages:      make(map[string][]Message),
		now:           time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) FindConversation(ctx context.Context, a, b string) (*Conversation, error) {
	if err := checkPair(a, b); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(a, b)
}

func (s *MemoryStore) findLocked(a, b string) (*Conversation, error) {
	id, ok := s.byPair[PairKey(a, b)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s.conversations[id]
	return &c, nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, a, b string) (*Conversation, error) {
	if err := checkPair(a, b); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byPair[PairKey(a, b)]; ok {
		return nil, ErrConversationExists
	}
	return s.createLocked(a, b), nil
}

func (s *MemoryStore) createLocked(a, b string) *Conversation {
	c := &Conversation{
		ID:           uuid.NewString(),
		ParticipantA: a,
		ParticipantB: b,
		CreatedAt:    s.now().UTC(),
	}
	s.conversations[c.ID] = c
	s.byPair[PairKey(a, b)] = c.ID
	out := *c
	return &out
}

func (s *MemoryStore) GetOrCreateConversation(ctx context.Context, a, b string) (*Conversation, bool, error) {
	if err := checkPair(a, b); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, err := s.findLocked(a, b); err == nil {
		return c, false, nil
	}
	return s.createLocked(a, b), true, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, conversationID, senderID, text string) (*Message, error) {
	text, err := NormalizeText(text)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, persistenceErr("append message", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if !c.Has(senderID) {
		return nil, ErrForbidden
	}

	msgs := s.messages[conversationID]
	createdAt := s.now().UTC()
	// created_at never goes backwards inside a conversation.
	if n := len(msgs); n > 0 && createdAt.Before(msgs[n-1].CreatedAt) {
		createdAt = msgs[n-1].CreatedAt
	}
	s.seq++
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      createdAt,
		seq:            s.seq,
	}
	s.messages[conversationID] = append(msgs, m)
	return &m, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages[conversationID]))
	copy(out, s.messages[conversationID])
	sortMessages(out)
	return out, nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, conversationID, requesterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if !c.Has(requesterID) {
		return ErrForbidden
	}
	delete(s.messages, conversationID)
	delete(s.byPair, PairKey(c.ParticipantA, c.ParticipantB))
	delete(s.conversations, conversationID)
	return nil
}

func (s *MemoryStore) ListConversationsFor(ctx context.Context, userID string) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Conversation
	for _, c := range s.conversations {
		if c.Has(userID) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) LatestMessages(ctx context.Context, conversationIDs []string) (map[string]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Message, len(conversationIDs))
	for _, id := range conversationIDs {
		msgs := s.messages[id]
		if len(msgs) == 0 {
			continue
		}
		latest := msgs[0]
		for _, m := range msgs[1:] {
			if messageLess(latest, m) {
				latest = m
			}
		}
		out[id] = latest
	}
	return out, nil
}

func messageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return messageLess(msgs[i], msgs[j]) })
}
