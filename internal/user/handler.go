package user

import (
	"log/slog"
	"net/http"

	"go-dm/internal/httpx"
	myMiddleware "go-dm/internal/middleware"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Service *Service
	log     *slog.Logger
}

func NewHandler(s *Service, log *slog.Logger) *Handler {
	return &Handler{Service: s, log: log}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}

	res, err := h.Service.Register(r.Context(), &req)
	if err != nil {
		h.fail(w, "register", "", err)
		return
	}

	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}

	res, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		h.fail(w, "login", "", err)
		return
	}

	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())

	results, err := h.Service.SearchUsers(r.Context(), userID, r.URL.Query().Get("q"))
	if err != nil {
		h.fail(w, "search users", userID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, results)
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())

	var req ProfileRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	u, err := h.Service.UpdateProfile(r.Context(), userID, &req)
	if err != nil {
		h.fail(w, "update profile", userID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, u)
}

func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())

	if err := h.Service.DeleteAccount(r.Context(), userID); err != nil {
		h.fail(w, "delete account", userID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Follow(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())

	if err := h.Service.Follow(r.Context(), userID, chi.URLParam(r, "userID")); err != nil {
		h.fail(w, "follow", userID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) Unfollow(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())

	if err := h.Service.Unfollow(r.Context(), userID, chi.URLParam(r, "userID")); err != nil {
		h.fail(w, "unfollow", userID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Notifications handles GET /api/notifications?unread=true.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())

	list, err := h.Service.Notifications(r.Context(), userID, r.URL.Query().Get("unread") == "true")
	if err != nil {
		h.fail(w, "notifications", userID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())

	if err := h.Service.MarkNotificationRead(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		h.fail(w, "mark notification read", userID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) fail(w http.ResponseWriter, op, userID string, err error) {
	if httpx.StatusOf(err) >= http.StatusInternalServerError {
		h.log.Error("Request failed", "op", op, "user_id", userID, "error", err)
	}
	httpx.Error(w, err)
}
