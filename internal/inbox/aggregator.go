// Package inbox builds the "my conversations" view: every conversation of a
// user with the peer's profile and the latest message, most recent first.
// It is a pull model; callers re-query to refresh.
package inbox

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antonioobaid/linkly/internal/chat"
	"github.com/antonioobaid/linkly/internal/user"
)

type ConversationSource interface {
	ListConversationsFor(ctx context.Context, userID string) ([]chat.Conversation, error)
	LatestMessages(ctx context.Context, conversationIDs []string) (map[string]chat.Message, error)
}

type ProfileSource interface {
	GetProfiles(ctx context.Context, ids []string) (map[string]user.Profile, error)
}

type Entry struct {
	Conversation chat.Conversation `json:"chat"`
	Peer         user.Profile      `json:"peer"`
	LastMessage  *chat.Message     `json:"last_message,omitempty"`
	LastActivity time.Time         `json:"last_activity"`
}

type Aggregator struct {
	conversations ConversationSource
	profiles      ProfileSource
}

func NewAggregator(conversations ConversationSource, profiles ProfileSource) *Aggregator {
	return &Aggregator{conversations: conversations, profiles: profiles}
}

// ListConversationsFor issues three queries regardless of the number of
// conversations: the conversation list, then profiles and latest messages in
// parallel.
func (a *Aggregator) ListConversationsFor(ctx context.Context, userID string) ([]Entry, error) {
	convs, err := a.conversations.ListConversationsFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("inbox: list conversations: %w", err)
	}
	if len(convs) == 0 {
		return []Entry{}, nil
	}

	ids := make([]string, 0, len(convs))
	peerSet := make(map[string]struct{}, len(convs))
	peers := make([]string, 0, len(convs))
	for i := range convs {
		ids = append(ids, convs[i].ID)
		peer := convs[i].Other(userID)
		if _, seen := peerSet[peer]; !seen {
			peerSet[peer] = struct{}{}
			peers = append(peers, peer)
		}
	}

	var (
		profiles map[string]user.Profile
		latest   map[string]chat.Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if profiles, err = a.profiles.GetProfiles(gctx, peers); err != nil {
			return fmt.Errorf("inbox: profiles: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if latest, err = a.conversations.LatestMessages(gctx, ids); err != nil {
			return fmt.Errorf("inbox: latest messages: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(convs))
	for _, c := range convs {
		peerID := c.Other(userID)
		peer, ok := profiles[peerID]
		if !ok {
			peer = user.Profile{ID: peerID}
		}
		e := Entry{Conversation: c, Peer: peer, LastActivity: c.CreatedAt}
		if m, ok := latest[c.ID]; ok {
			m := m
			e.LastMessage = &m
			e.LastActivity = m.CreatedAt
		}
		entries = append(entries, e)
	}
	sortByActivity(entries)
	return entries, nil
}

func sortByActivity(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].LastActivity.Equal(entries[j].LastActivity) {
			return entries[i].LastActivity.After(entries[j].LastActivity)
		}
		return entries[i].Conversation.ID < entries[j].Conversation.ID
	})
}
