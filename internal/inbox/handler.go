package inbox

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/antonioobaid/linkly/internal/logging"
	myMiddleware "github.com/antonioobaid/linkly/internal/middleware"
)

type Handler struct {
	aggregator *Aggregator
}

func NewHandler(a *Aggregator) *Handler {
	return &Handler{aggregator: a}
}

// ListConversations serves GET /api/conversations. The optional userId query
// parameter must name the caller.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if q := r.URL.Query().Get("userId"); q != "" && q != userID {
		http.Error(w, "cannot list another user's conversations", http.StatusForbidden)
		return
	}

	entries, err := h.aggregator.ListConversationsFor(r.Context(), userID)
	if err != nil {
		logging.Error().Err(err).Str("user_id", userID).Msg("inbox query failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
