package chat

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go-dm/internal/domain"
	"go-dm/internal/httpx"
	myMiddleware "go-dm/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

type Handler struct {
	hub       *Hub
	reactions *Reactions
	upgrader  websocket.Upgrader
	log       *slog.Logger
}

// NewHandler builds the chat endpoints. allowedOrigins restricts websocket
// upgrades; "*" allows any origin.
func NewHandler(hub *Hub, reactions *Reactions, allowedOrigins []string, log *slog.Logger) *Handler {
	return &Handler{
		hub:       hub,
		reactions: reactions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	normalized := lo.FilterMap(allowed, func(o string, _ int) (string, bool) {
		o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
		return o, o != ""
	})
	allowAll := len(normalized) == 0 || lo.Contains(normalized, "*")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if allowAll || origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return lo.Contains(normalized, strings.ToLower(u.Scheme+"://"+u.Host))
	}
}

func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		httpx.JSON(w, http.StatusUnauthorized, httpx.ErrorResponse{Error: "unauthorized"})
	}
	return userID, ok
}

// ServeWs upgrades the request and binds the new connection to the caller.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	username := myMiddleware.Username(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "user_id", userID, "username", username, "error", err)
		return
	}
	h.log.Debug("Websocket upgraded", "user_id", userID, "username", username, "remote_addr", r.RemoteAddr)

	client := newClient(h.hub, conn, userID)
	h.hub.Connect(userID, client)
	client.serve()
}

// SendMessage handles POST /api/send_message.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}

	msg, err := h.hub.Router.SendMessage(r.Context(), userID, req.ReceiverID, req.Content)
	if err != nil {
		h.logFailure("send message", userID, err)
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, SendMessageResponse{Success: true, Message: msg})
}

// MarkRead handles POST /api/mark_read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req MarkReadRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}

	if err := h.hub.Router.MarkRead(r.Context(), req.MessageID, userID); err != nil {
		h.logFailure("mark read", userID, err)
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// RecentChats handles GET /api/chats.
func (h *Handler) RecentChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	chats, err := h.hub.Router.RecentChats(r.Context(), userID)
	if err != nil {
		h.logFailure("recent chats", userID, err)
		httpx.Error(w, err)
		return
	}
	ids := lo.Map(chats, func(c domain.ChatSummary, _ int) string { return c.User.ID })
	statuses, err := h.hub.Presence.StatusesOf(r.Context(), ids)
	if err != nil {
		httpx.Error(w, err)
		return
	}
	entries := lo.Map(chats, func(c domain.ChatSummary, _ int) ChatEntry {
		status, ok := statuses[c.User.ID]
		if !ok {
			status = domain.UserStatus{UserID: c.User.ID}
		}
		return ChatEntry{ChatSummary: c, Status: status}
	})
	httpx.JSON(w, http.StatusOK, entries)
}

// Conversation handles GET /api/chats/{userID}.
func (h *Handler) Conversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	other, msgs, err := h.hub.Router.Conversation(r.Context(), userID, chi.URLParam(r, "userID"))
	if err != nil {
		h.logFailure("conversation", userID, err)
		httpx.Error(w, err)
		return
	}
	status, err := h.hub.Presence.Status(r.Context(), other.ID)
	if err != nil {
		httpx.Error(w, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	httpx.JSON(w, http.StatusOK, ConversationResponse{With: other.Summary(), Status: status, Messages: msgs})
}

// UserStatus handles GET /api/users/{userID}/status.
func (h *Handler) UserStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	status, err := h.hub.Presence.Status(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, status)
}

// OnlineUsers handles GET /api/users/online: everyone connected to this process.
func (h *Handler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	ids := h.hub.Registry.OnlineUsers()
	statuses, err := h.hub.Presence.StatusesOf(r.Context(), ids)
	if err != nil {
		httpx.Error(w, err)
		return
	}
	online := lo.Map(ids, func(id string, _ int) domain.UserStatus {
		status, ok := statuses[id]
		if !ok {
			status = domain.UserStatus{UserID: id, IsOnline: true}
		}
		return status
	})
	httpx.JSON(w, http.StatusOK, online)
}

// AddReaction handles POST /api/messages/{messageID}/reactions.
func (h *Handler) AddReaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req ReactionRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	reaction, err := h.reactions.Add(r.Context(), userID, chi.URLParam(r, "messageID"), req.Emoji)
	if err != nil {
		h.logFailure("add reaction", userID, err)
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, reaction)
}

// RemoveReaction handles DELETE /api/messages/{messageID}/reactions/{emoji}.
func (h *Handler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	emoji, err := url.PathUnescape(chi.URLParam(r, "emoji"))
	if err != nil {
		httpx.Error(w, domain.Validation("bad emoji"))
		return
	}
	if err := h.reactions.Remove(r.Context(), userID, chi.URLParam(r, "messageID"), emoji); err != nil {
		httpx.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListReactions handles GET /api/messages/{messageID}/reactions.
func (h *Handler) ListReactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	reactions, err := h.reactions.List(r.Context(), userID, chi.URLParam(r, "messageID"))
	if err != nil {
		httpx.Error(w, err)
		return
	}
	if reactions == nil {
		reactions = []domain.Reaction{}
	}
	httpx.JSON(w, http.StatusOK, reactions)
}

func (h *Handler) logFailure(op, userID string, err error) {
	if httpx.StatusOf(err) >= http.StatusInternalServerError {
		h.log.Error("Request failed", "op", op, "user_id", userID, "error", err)
		return
	}
	h.log.Debug("Request rejected", "op", op, "user_id", userID, "error", err)
}
