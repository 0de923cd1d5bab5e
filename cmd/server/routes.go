package main

import (
	"context"
	"net/http"
	"time"

	"go-dm/internal/chat"
	"go-dm/internal/httpx"
	myMiddleware "go-dm/internal/middleware"
	"go-dm/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type pinger interface {
	Ping(ctx context.Context) error
}

func routes(store pinger, tokens myMiddleware.TokenValidator, userHandler *user.Handler, chatHandler *chat.Handler) http.Handler {
	authMiddleware := myMiddleware.NewAuthMiddleware(tokens)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		// WebSocket (Real-time)
		r.Get("/ws", chatHandler.ServeWs)

		r.Route("/api", func(r chi.Router) {
			r.Post("/send_message", chatHandler.SendMessage)
			r.Post("/mark_read", chatHandler.MarkRead)
			r.Get("/chats", chatHandler.RecentChats)
			r.Get("/chats/{userID}", chatHandler.Conversation)

			r.Get("/users/search", userHandler.SearchUsers)
			r.Get("/users/online", chatHandler.OnlineUsers)
			r.Get("/users/{userID}/status", chatHandler.UserStatus)
			r.Post("/users/{userID}/follow", userHandler.Follow)
			r.Delete("/users/{userID}/follow", userHandler.Unfollow)

			r.Put("/profile", userHandler.UpdateProfile)
			r.Delete("/profile", userHandler.DeleteAccount)

			r.Get("/messages/{messageID}/reactions", chatHandler.ListReactions)
			r.Post("/messages/{messageID}/reactions", chatHandler.AddReaction)
			r.Delete("/messages/{messageID}/reactions/{emoji}", chatHandler.RemoveReaction)

			r.Get("/notifications", userHandler.Notifications)
			r.Post("/notifications/{id}/read", userHandler.MarkNotificationRead)
		})
	})

	return r
}
