package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/antonioobaid/linkly/internal/chat"
)

// HTTPHistory fetches history from GET /api/conversations/{id}/messages.
type HTTPHistory struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (h *HTTPHistory) FetchHistory(ctx context.Context, conversationID string) ([]chat.Message, error) {
	endpoint := strings.TrimRight(h.BaseURL, "/") + "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+h.Token)

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history: status %d", resp.StatusCode)
	}

	var msgs []chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("history: decode: %w", err)
	}
	return msgs, nil
}
