package chat

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antonioobaid/linkly/internal/logging"
	"github.com/antonioobaid/linkly/internal/metrics"
	myMiddleware "github.com/antonioobaid/linkly/internal/middleware"
)

type Handler struct {
	hub      *Hub
	relay    *Relay
	store    Store
	upgrader websocket.Upgrader
	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandler builds the chat HTTP surface. allowedOrigins restricts websocket
// handshakes; an empty list accepts any origin.
func NewHandler(hub *Hub, relay *Relay, store Store, allowedOrigins []string) *Handler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &Handler{
		hub:   hub,
		relay: relay,
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(origins) == 0 {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
		validate: validator.New(),
		log:      logging.With("chat-handler"),
	}
}

// ServeWs upgrades the request and runs the connection until it closes.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		h.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	hello, err := json.Marshal(ConnectedFrame{Type: FrameConnected, UserID: userID, At: time.Now().UTC()})
	if err != nil {
		h.log.Error().Err(err).Msg("marshal greeting")
		conn.Close()
		return
	}
	client := NewClient(h.hub, conn, userID, h.log)
	if !h.hub.Register(client, hello) {
		conn.Close()
		return
	}
	client.log.Debug().Int("connections", h.hub.Online(userID)).Msg("connected")

	go client.WritePump()

	// In-flight sends outlive the connection; only delivery notices it is gone.
	client.ReadPump(context.WithoutCancel(r.Context()), h.relay)
	client.log.Debug().Msg("disconnected")
}

type StartConversationRequest struct {
	TargetID string `json:"target_id" validate:"required"`
}

// StartConversation finds or creates the conversation with target_id.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conv, created, err := h.store.GetOrCreateConversation(r.Context(), userID, req.TargetID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		metrics.ConversationsCreated.Inc()
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

// GetChatHistory returns the full, ordered history of one conversation.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.participantConversation(w, r)
	if !ok {
		return
	}
	msgs, err := h.store.ListMessages(r.Context(), conv.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.store.DeleteConversation(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) participantConversation(w http.ResponseWriter, r *http.Request) (*Conversation, bool) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	conv, err := h.store.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	if !conv.Has(userID) {
		h.writeError(w, ErrForbidden)
		return nil, false
	}
	return conv, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

// HTTPStatus maps store errors onto status codes.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConsistency):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
