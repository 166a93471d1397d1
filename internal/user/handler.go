package user

import (
	"net/http"

	"github.com/goccy/go-json"

	myMiddleware "github.com/antonioobaid/linkly/internal/middleware"
)

type Handler struct {
	Service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s}
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	callerID, _ := myMiddleware.UserID(r.Context())

	users, err := h.Service.SearchUsers(r.Context(), r.URL.Query().Get("q"), callerID)
	if err != nil {
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(users)
}
